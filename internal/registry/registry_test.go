package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

func setupRegistry(t *testing.T) (*Registry, *store.SQLite) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, zaptest.NewLogger(t)), s
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	r, _ := setupRegistry(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	alt := 120.0
	rec := models.AgentRecord{
		ID:           "21",
		Type:         models.AgentTypeDrone,
		Coordinates:  models.Coordinates{Lat: 52.5, Lon: 13.4},
		Altitude:     &alt,
		BatteryLevel: 80,
		Capabilities: "thermal camera",
	}
	require.NoError(t, r.Put(ctx, rec))

	got, err := r.Get(ctx, "21")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusAvailable, got.Status)
	assert.Equal(t, fixed, got.UpdatedAt)
	assert.Equal(t, models.AgentTypeDrone, got.Type)
	require.NotNil(t, got.Altitude)
	assert.Equal(t, 120.0, *got.Altitude)
}

func TestGetMissing(t *testing.T) {
	r, _ := setupRegistry(t)
	_, err := r.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPutRejectsInvalid(t *testing.T) {
	r, _ := setupRegistry(t)
	err := r.Put(context.Background(), models.AgentRecord{ID: "x", Type: "Drone Bot"})
	assert.ErrorIs(t, err, models.ErrInvalidAgent)
}

func TestSnapshotSkipsBadRecords(t *testing.T) {
	ctx := context.Background()
	r, s := setupRegistry(t)

	require.NoError(t, r.Put(ctx, models.AgentRecord{ID: "12", Type: models.AgentTypeGround}))
	require.NoError(t, r.Put(ctx, models.AgentRecord{ID: "21", Type: models.AgentTypeDrone}))
	require.NoError(t, s.Set(ctx, Key("broken"), []byte("not json")))
	require.NoError(t, s.Set(ctx, "event:unrelated", []byte("{}")))

	agents, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "12", agents[0].ID)
	assert.Equal(t, "21", agents[1].ID)
}

func TestHeartbeatAndDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := setupRegistry(t)
	require.NoError(t, r.Put(ctx, models.AgentRecord{ID: "22", Type: models.AgentTypeDrone, BatteryLevel: 90}))

	pos := models.Coordinates{Lat: 1, Lon: 2}
	require.NoError(t, r.Heartbeat(ctx, "22", pos, 40, models.AgentStatusBusy))

	got, err := r.Get(ctx, "22")
	require.NoError(t, err)
	assert.Equal(t, pos, got.Coordinates)
	assert.Equal(t, 40.0, got.BatteryLevel)
	assert.Equal(t, models.AgentStatusBusy, got.Status)

	require.NoError(t, r.Delete(ctx, "22"))
	_, err = r.Get(ctx, "22")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.ErrorIs(t, r.Heartbeat(ctx, "22", pos, 40, ""), ErrAgentNotFound)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - agent_id: "12"
    agent_type: ground_bot
    coordinates: {lat: 10.5, lon: 20.25}
    battery_level: 75
    capabilities: "debris clearing"
  - agent_id: "21"
    agent_type: drone_bot
    coordinates: {lat: 10.6, lon: 20.3}
    altitude: 50
    status: charging
    carries_aid_kit: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	agents, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, models.AgentTypeGround, agents[0].Type)
	assert.Equal(t, 20.25, agents[0].Coordinates.Lon)
	assert.Equal(t, models.AgentStatusCharging, agents[1].Status)
	require.NotNil(t, agents[1].CarriesAidKit)
	assert.True(t, *agents[1].CarriesAidKit)

	r, _ := setupRegistry(t)
	require.NoError(t, r.Seed(context.Background(), agents))
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestLoadSeedFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - agent_type: drone_bot\n"), 0644))

	_, err := LoadSeedFile(path)
	assert.ErrorIs(t, err, models.ErrInvalidAgent)
}
