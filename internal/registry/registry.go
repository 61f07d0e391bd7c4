// Package registry stores the fleet's agent records in the shared store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// KeyPrefix namespaces agent records in the key-value space.
const KeyPrefix = "agents:metadata:"

// ErrAgentNotFound is returned when no record exists for an agent id.
var ErrAgentNotFound = errors.New("agent not found")

// Key returns the store key for an agent id.
func Key(agentID string) string {
	return KeyPrefix + agentID
}

// Registry reads and writes agent records. Agents own their records;
// readers only get point-in-time snapshots.
type Registry struct {
	kv     store.KV
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Registry backed by kv.
func New(kv store.KV, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{kv: kv, logger: logger.Named("registry"), now: time.Now}
}

// Put validates and writes a record, stamping UpdatedAt.
func (r *Registry) Put(ctx context.Context, rec models.AgentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = models.AgentStatusAvailable
	}
	rec.UpdatedAt = r.now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", rec.ID, err)
	}
	if err := r.kv.Set(ctx, Key(rec.ID), data); err != nil {
		return fmt.Errorf("store agent %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for agentID.
func (r *Registry) Get(ctx context.Context, agentID string) (models.AgentRecord, error) {
	data, err := r.kv.Get(ctx, Key(agentID))
	if errors.Is(err, store.ErrNotFound) {
		return models.AgentRecord{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return models.AgentRecord{}, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	var rec models.AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.AgentRecord{}, fmt.Errorf("decode agent %s: %w", agentID, err)
	}
	return rec, nil
}

// Delete removes an agent's record.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	if err := r.kv.Delete(ctx, Key(agentID)); err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}

// Heartbeat updates the mutable fields an agent reports while working.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, pos models.Coordinates, battery float64, status models.AgentStatus) error {
	rec, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	rec.Coordinates = pos
	rec.BatteryLevel = battery
	if status != "" {
		rec.Status = status
	}
	return r.Put(ctx, rec)
}

// Snapshot returns every readable record, ordered by key.
// Records that disappear or fail to decode mid-scan are skipped.
func (r *Registry) Snapshot(ctx context.Context) ([]models.AgentRecord, error) {
	keys, err := r.kv.KeysMatching(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	agents := make([]models.AgentRecord, 0, len(keys))
	for _, key := range keys {
		data, err := r.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		var rec models.AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping unreadable agent record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if rec.ID == "" {
			rec.ID = strings.TrimPrefix(key, KeyPrefix)
		}
		agents = append(agents, rec)
	}
	return agents, nil
}

// SeedFile is the on-disk format accepted by LoadSeedFile.
type SeedFile struct {
	Agents []models.AgentRecord `yaml:"agents"`
}

// LoadSeedFile reads agent records from a YAML file.
func LoadSeedFile(path string) ([]models.AgentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, rec := range seed.Agents {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("agent %d in %s: %w", i, path, err)
		}
	}
	return seed.Agents, nil
}

// Seed writes every record, stopping at the first failure.
func (r *Registry) Seed(ctx context.Context, agents []models.AgentRecord) error {
	for _, rec := range agents {
		if err := r.Put(ctx, rec); err != nil {
			return err
		}
		r.logger.Debug("registered agent",
			zap.String("agent_id", rec.ID), zap.String("agent_type", string(rec.Type)))
	}
	return nil
}
