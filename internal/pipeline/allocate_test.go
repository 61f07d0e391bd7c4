package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/swarmops/internal/mirror"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

const searchTask899 = `{"task_id": 899, "task_kind": "search",
	"coordinates": {"lat": 37.7749, "long": -122.4194},
	"captured_at": "2025-02-01T10:05:00Z",
	"context": {"reason": "possible survivors"}}`

func seedFleet(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.registry.Put(ctx, models.AgentRecord{
		ID:           "12",
		Type:         models.AgentTypeGround,
		Coordinates:  models.Coordinates{Lat: 37.77, Lon: -122.41},
		BatteryLevel: 80,
		Capabilities: "ground rover with aid kit",
	}))
	require.NoError(t, h.registry.Put(ctx, models.AgentRecord{
		ID:           "21",
		Type:         models.AgentTypeDrone,
		Coordinates:  models.Coordinates{Lat: 37.78, Lon: -122.42},
		BatteryLevel: 95,
		Capabilities: "thermal camera drone",
	}))
}

func TestAllocateDispatchesToChosenAgentQueue(t *testing.T) {
	ctx := context.Background()
	h := setupHarness(t)
	seedFleet(t, h)
	h.oracle.content = `{"agent_type": "drone_bot", "agent_id": "21", "directive": {"pattern": "spiral"}, "eta_minutes": 4}`

	report, err := h.pipeline.Allocate(ctx, batchOf(t, searchTask899))
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, OutcomeAllocated, res.Outcome)
	assert.Equal(t, "899", res.TaskID)
	assert.Equal(t, models.AgentTypeDrone, res.AgentType)
	assert.NotEmpty(t, res.JobID)

	assert.Equal(t, 0, queueLen(t, h.store, models.AgentTypeGround.QueueName()))
	bodies := drain(t, h.store, "drone_bot_agent_task")
	require.Len(t, bodies, 1)

	var got models.Dispatch
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	assert.Equal(t, "21", got.Decision.AgentID)
	assert.JSONEq(t, `{"pattern": "spiral"}`, string(got.Decision.Directive))
	assert.JSONEq(t, `4`, string(got.Decision.Extra["eta_minutes"]))
	assert.Equal(t, models.FlexID("899"), got.Task.ID)
	assert.Equal(t, "search", got.Task.Kind)

	req := h.oracle.lastRequest().Text
	assert.Contains(t, req, `"agent_id": "12"`)
	assert.Contains(t, req, `"agent_id": "21"`)
	assert.Contains(t, req, `"task_kind": "search"`)
	assert.Equal(t, []string{mirror.PathAllocations}, h.mirror.paths)
}

func TestAllocateRejectsIncompleteTask(t *testing.T) {
	h := setupHarness(t)
	seedFleet(t, h)

	report, err := h.pipeline.Allocate(context.Background(), batchOf(t, `{"task_id": 5, "task_kind": "search"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	var missing *models.MissingFieldsError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{"coordinates", "captured_at"}, missing.Fields)

	assert.Equal(t, 1, report.Count(OutcomeRejected))
	assert.Zero(t, h.oracle.calls())
	assert.Zero(t, queueLen(t, h.store, models.AgentTypeDrone.QueueName()))
	assert.Zero(t, queueLen(t, h.store, models.AgentTypeGround.QueueName()))
}

func TestAllocateWithoutAgentTypeIsUnallocated(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"null agent type", `{"agent_type": null, "reason": "no agent in range"}`},
		{"missing agent type", `{"reason": "nothing suitable"}`},
		{"empty list", `[]`},
		{"not a queue name", `{"agent_type": "Drone Bot!"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			seedFleet(t, h)
			h.oracle.content = tt.content

			report, err := h.pipeline.Allocate(context.Background(), batchOf(t, searchTask899))
			require.NoError(t, err)
			require.Len(t, report.Results, 1)
			assert.Equal(t, OutcomeUnallocated, report.Results[0].Outcome)
			var de *DispatchError
			assert.ErrorAs(t, report.Results[0].Err, &de)
			assert.Zero(t, queueLen(t, h.store, models.AgentTypeDrone.QueueName()))
			assert.Zero(t, queueLen(t, h.store, models.AgentTypeGround.QueueName()))
			assert.Empty(t, h.mirror.paths)
		})
	}
}

func TestAllocateListDecisionUsesFirst(t *testing.T) {
	h := setupHarness(t)
	h.oracle.content = `[{"agent_type": "ground_bot", "agent_id": 12}, {"agent_type": "drone_bot"}]`

	report, err := h.pipeline.Allocate(context.Background(), batchOf(t, searchTask899))
	require.NoError(t, err)
	assert.Equal(t, models.AgentTypeGround, report.Results[0].AgentType)
	assert.Equal(t, 1, queueLen(t, h.store, models.AgentTypeGround.QueueName()))
	assert.Zero(t, queueLen(t, h.store, models.AgentTypeDrone.QueueName()))
}

func TestAllocateMixedBatch(t *testing.T) {
	h := setupHarness(t)
	seedFleet(t, h)
	h.oracle.content = `{"agent_type": "ground_bot", "agent_id": "12"}`

	task := validTask("77")
	report, err := h.pipeline.Allocate(context.Background(), batchOf(t,
		`{"task_kind": "search"}`,
		mustJSON(t, task),
		`{"task_id": "x"}`,
	))
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, OutcomeRejected, report.Results[0].Outcome)
	assert.Equal(t, "#0", report.Results[0].TaskID)
	assert.Equal(t, OutcomeAllocated, report.Results[1].Outcome)
	assert.Equal(t, "77", report.Results[1].TaskID)
	assert.Equal(t, OutcomeRejected, report.Results[2].Outcome)
	assert.Equal(t, 1, h.oracle.calls())
	assert.Equal(t, 1, queueLen(t, h.store, models.AgentTypeGround.QueueName()))
}

func TestAllocateAllOracleFailuresIsAnError(t *testing.T) {
	h := setupHarness(t)
	h.oracle.err = errors.New("upstream 529")

	report, err := h.pipeline.Allocate(context.Background(), batchOf(t,
		mustJSON(t, validTask("1")),
		mustJSON(t, validTask("2")),
	))
	require.Error(t, err)
	var oe *OracleError
	assert.ErrorAs(t, err, &oe)
	assert.True(t, Retryable(err))
	assert.Equal(t, 2, report.Count(OutcomeFailed))
}

func TestAllocateScalarDecisionIsOracleError(t *testing.T) {
	h := setupHarness(t)
	seedFleet(t, h)
	h.oracle.content = `"drone"`

	report, err := h.pipeline.Allocate(context.Background(), batchOf(t, searchTask899))
	var oe *OracleError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, StageAllocate, oe.Stage)
	assert.Equal(t, 1, report.Count(OutcomeFailed))
	assert.Zero(t, queueLen(t, h.store, models.AgentTypeDrone.QueueName()))
}

func TestAllocateEmptyBatch(t *testing.T) {
	h := setupHarness(t)
	_, err := h.pipeline.Allocate(context.Background(), nil)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.False(t, Retryable(err))
}

func TestAllocateWithEmptyFleet(t *testing.T) {
	h := setupHarness(t)
	h.oracle.content = `{"agent_type": null}`

	_, err := h.pipeline.Allocate(context.Background(), batchOf(t, searchTask899))
	require.NoError(t, err)
	assert.Contains(t, h.oracle.lastRequest().Text, `"agents": []`)
}
