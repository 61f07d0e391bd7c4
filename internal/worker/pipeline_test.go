package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/swarmops/internal/metrics"
	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/internal/pipeline"
	"github.com/ShayCichocki/swarmops/internal/prompt"
	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// stageTemplates start with the stage name so stageOracle can tell requests apart.
var stageTemplates = fstest.MapFS{
	"interpret/gas_sensor.txt": {Data: []byte("INTERPRET\n<replace_payload>")},
	"escalate/default.txt":     {Data: []byte("ESCALATE\n<replace_payload>")},
	"allocate/default.txt":     {Data: []byte("ALLOCATE\n<replace_payload>")},
}

// stageOracle answers each stage with a fixed reply and counts calls.
type stageOracle struct {
	mu      sync.Mutex
	answers map[string]string
	calls   map[string]int
	// failures makes the first n calls of a stage fail.
	failures map[string]int
}

func newStageOracle() *stageOracle {
	return &stageOracle{
		answers: map[string]string{
			"INTERPRET": `{"summary": "elevated CO near the warehouse", "severity": 4}`,
			"ESCALATE": `[{"task_id": 899, "task_kind": "search",
				"coordinates": {"lat": 37.7749, "lon": -122.4194},
				"captured_at": "2025-02-01T10:00:00Z"}]`,
			"ALLOCATE": `{"agent_type": "drone_bot", "agent_id": "21", "directive": "sweep the warehouse"}`,
		},
		calls:    map[string]int{},
		failures: map[string]int{},
	}
}

func (o *stageOracle) Invoke(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	stage, _, _ := strings.Cut(req.Text, "\n")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[stage]++
	if o.failures[stage] > 0 {
		o.failures[stage]--
		return oracle.Response{}, errors.New("oracle overloaded")
	}
	return oracle.Response{Content: o.answers[stage]}, nil
}

func (o *stageOracle) count(stage string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[stage]
}

// flakyQueue fails the first failures calls to Enqueue.
type flakyQueue struct {
	*queue.TaskQueue
	mu       sync.Mutex
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, env models.Envelope) (string, error) {
	q.mu.Lock()
	fail := q.failures > 0
	if fail {
		q.failures--
	}
	q.mu.Unlock()
	if fail {
		return "", errors.New("connection reset")
	}
	return q.TaskQueue.Enqueue(ctx, env)
}

func newPipeline(t *testing.T, f *fixture, o oracle.Oracle, q pipeline.Queue) *pipeline.Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(f.store, logger)
	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, models.AgentRecord{
		ID: "12", Type: models.AgentTypeGround, Coordinates: models.Coordinates{Lat: 37.77, Lon: -122.41},
		BatteryLevel: 80, Status: models.AgentStatusAvailable,
	}))
	require.NoError(t, reg.Put(ctx, models.AgentRecord{
		ID: "21", Type: models.AgentTypeDrone, Coordinates: models.Coordinates{Lat: 37.78, Lon: -122.42},
		BatteryLevel: 95, Status: models.AgentStatusAvailable,
	}))
	return pipeline.New(pipeline.RequiredConfig{
		Store:   f.store,
		Oracle:  o,
		Prompts: prompt.NewFSSource(stageTemplates),
		Queue:   q,
		Agents:  reg,
	}, pipeline.WithLogger(logger))
}

func (f *fixture) enqueueGasReading(t *testing.T) {
	t.Helper()
	env := models.NewEnvelope(models.InterpretPayload{Observation: models.Observation{
		SourceID:    "ground_12",
		Kind:        models.KindGasSensor,
		Coordinates: &models.Coordinates{Lat: 37.7749, Lon: -122.4194},
		CapturedAt:  models.NewTimestamp(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)),
		Payload:     map[string]any{"gas_levels": map[string]any{"co": 40, "co2": 1233}},
	}})
	_, err := f.tasks.Enqueue(context.Background(), env)
	require.NoError(t, err)
}

func (f *fixture) eventKeys(t *testing.T) []string {
	t.Helper()
	keys, err := f.store.KeysMatching(context.Background(), models.EventKeyPrefix)
	require.NoError(t, err)
	return keys
}

func TestPoolRunsObservationToAgentQueue(t *testing.T) {
	f := setup(t)
	o := newStageOracle()
	f.startWith(t, newPipeline(t, f, o, f.tasks))

	f.enqueueGasReading(t)

	droneQueue := models.AgentTypeDrone.QueueName()
	assert.Eventually(t, func() bool { return f.len(t, droneQueue) == 1 }, 5*time.Second, 5*time.Millisecond)

	d, err := f.store.Dequeue(context.Background(), droneQueue, 0)
	require.NoError(t, err)
	var dispatch models.Dispatch
	require.NoError(t, json.Unmarshal(d.Body, &dispatch))
	assert.Equal(t, models.AgentTypeDrone, dispatch.Decision.AgentType)
	assert.Equal(t, "21", dispatch.Decision.AgentID)
	assert.Equal(t, models.FlexID("899"), dispatch.Task.ID)
	assert.False(t, dispatch.AllocatedAt.IsZero())

	assert.Len(t, f.eventKeys(t), 1)
	assert.Equal(t, 0, f.len(t, models.AgentTypeGround.QueueName()))
	assert.Equal(t, 0, f.len(t, queue.DeadLetterQueue))
	for _, stage := range []string{"INTERPRET", "ESCALATE", "ALLOCATE"} {
		assert.Equal(t, 1, o.count(stage), stage)
	}
	assert.Eventually(t, func() bool { return f.recorder.get(metrics.OutcomeOK) == 3 }, 3*time.Second, 5*time.Millisecond)
}

func TestPoolDoesNotRepeatInterpretAfterEventWrite(t *testing.T) {
	f := setup(t)
	o := newStageOracle()
	// the escalate enqueue fails once, after the event is stored
	q := &flakyQueue{TaskQueue: f.tasks, failures: 1}
	f.startWith(t, newPipeline(t, f, o, q), WithMaxAttempts(3), WithRetryable(pipeline.Retryable))

	f.enqueueGasReading(t)

	assert.Eventually(t, func() bool { return f.len(t, queue.DeadLetterQueue) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, f.eventKeys(t), 1)
	assert.Equal(t, 1, o.count("INTERPRET"))
	assert.Equal(t, 0, o.count("ESCALATE"))
	assert.Equal(t, 0, f.recorder.get(metrics.OutcomeRetried))
	assert.Equal(t, 0, f.len(t, queue.MainQueue))
}

func TestPoolRetriesInterpretBeforeEventWrite(t *testing.T) {
	f := setup(t)
	o := newStageOracle()
	o.failures["INTERPRET"] = 1
	f.startWith(t, newPipeline(t, f, o, f.tasks), WithMaxAttempts(3), WithRetryable(pipeline.Retryable))

	f.enqueueGasReading(t)

	droneQueue := models.AgentTypeDrone.QueueName()
	assert.Eventually(t, func() bool { return f.len(t, droneQueue) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, f.eventKeys(t), 1)
	assert.Equal(t, 2, o.count("INTERPRET"))
	assert.Equal(t, 1, f.recorder.get(metrics.OutcomeRetried))
	assert.Equal(t, 0, f.len(t, queue.DeadLetterQueue))
}
