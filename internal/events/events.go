// Package events persists interpreted events and finds them by location.
//
// Every event is written twice: its JSON under the event id and the id as a
// member of the events:location geo index. Store uses the backend's atomic
// write when it has one; otherwise it writes the value first and deletes it
// again if indexing fails, so a reader never finds an event by key that is
// not also findable by location.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// DefaultRadiusKm is the neighbor search radius.
const DefaultRadiusKm = 1.0

// ErrCorruptEvent is returned when a stored event cannot be decoded.
var ErrCorruptEvent = errors.New("corrupt event")

// Backend is the subset of the state store the event store needs.
type Backend interface {
	store.KV
	store.GeoIndex
}

// Store reads and writes events.
type Store struct {
	backend Backend
	logger  *zap.Logger
}

// New creates an event store.
func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, logger: logger.Named("events")}
}

// NewID returns a unique event id: event:<kind>:<unix nanos>-<8 hex chars>.
func NewID(kind models.ObservationKind, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s:%d-%s", models.EventKeyPrefix, kind, now.UnixNano(), suffix)
}

// Put writes ev and its geo entry.
func (s *Store) Put(ctx context.Context, ev models.Event) error {
	if ev.ID == "" {
		return errors.New("event has no id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	if gw, ok := s.backend.(store.GeoWriter); ok {
		return gw.SetWithGeo(ctx, ev.ID, data, models.EventsByLocationIndex, ev.Coordinates.Lon, ev.Coordinates.Lat)
	}

	if err := s.backend.Set(ctx, ev.ID, data); err != nil {
		return err
	}
	if err := s.backend.GeoAdd(ctx, models.EventsByLocationIndex, ev.Coordinates.Lon, ev.Coordinates.Lat, ev.ID); err != nil {
		if delErr := s.backend.Delete(ctx, ev.ID); delErr != nil {
			s.logger.Error("event left without geo entry",
				zap.String("event_id", ev.ID), zap.Error(delErr))
		}
		return err
	}
	return nil
}

// Get loads one event.
func (s *Store) Get(ctx context.Context, id string) (models.Event, error) {
	data, err := s.backend.Get(ctx, id)
	if err != nil {
		return models.Event{}, err
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Event{}, fmt.Errorf("%w %s: %v", ErrCorruptEvent, id, err)
	}
	return ev, nil
}

// Nearby returns the events within radiusKm of pos, nearest first.
// Index entries whose event is missing or unreadable are skipped.
func (s *Store) Nearby(ctx context.Context, pos models.Coordinates, radiusKm float64) ([]models.Event, error) {
	ids, err := s.backend.GeoSearch(ctx, models.EventsByLocationIndex, pos.Lon, pos.Lat, radiusKm)
	if err != nil {
		return nil, err
	}

	out := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("index entry without event", zap.String("event_id", id))
			continue
		}
		if errors.Is(err, ErrCorruptEvent) {
			s.logger.Warn("skipping unreadable event", zap.String("event_id", id), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
