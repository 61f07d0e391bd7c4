package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/internal/prompt"
	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// scriptedOracle answers with a fixed content (or error) and records requests.
type scriptedOracle struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []oracle.Request
}

func (o *scriptedOracle) Invoke(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.err != nil {
		return oracle.Response{}, o.err
	}
	return oracle.Response{Content: o.content}, nil
}

func (o *scriptedOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *scriptedOracle) lastRequest() oracle.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[len(o.requests)-1]
}

// recordingMirror remembers every push.
type recordingMirror struct {
	mu    sync.Mutex
	paths []string
}

func (m *recordingMirror) Push(ctx context.Context, path string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return nil
}

// failingQueue fails Enqueue calls whose 1-based index is in failOn.
type failingQueue struct {
	Queue
	mu     sync.Mutex
	n      int
	failOn map[int]bool
}

func (q *failingQueue) Enqueue(ctx context.Context, env models.Envelope) (string, error) {
	q.mu.Lock()
	q.n++
	fail := q.failOn[q.n]
	q.mu.Unlock()
	if fail {
		return "", errors.New("connection reset")
	}
	return q.Queue.Enqueue(ctx, env)
}

type harness struct {
	store    *store.SQLite
	oracle   *scriptedOracle
	registry *registry.Registry
	mirror   *recordingMirror
	pipeline *Pipeline
}

func setupHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := zaptest.NewLogger(t)
	h := &harness{
		store:    s,
		oracle:   &scriptedOracle{},
		registry: registry.New(s, logger),
		mirror:   &recordingMirror{},
	}
	all := append([]Option{WithLogger(logger), WithMirror(h.mirror)}, opts...)
	h.pipeline = New(RequiredConfig{
		Store:   s,
		Oracle:  h.oracle,
		Prompts: prompt.Defaults(),
		Queue:   queue.New(s, logger),
		Agents:  h.registry,
	}, all...)
	return h
}

// drain dequeues and acks everything on q.
func drain(t *testing.T, s store.Queue, q string) [][]byte {
	t.Helper()
	var bodies [][]byte
	for {
		d, err := s.Dequeue(context.Background(), q, 0)
		if errors.Is(err, store.ErrQueueEmpty) {
			return bodies
		}
		require.NoError(t, err)
		require.NoError(t, s.Ack(context.Background(), d))
		bodies = append(bodies, d.Body)
	}
}

func drainEnvelopes(t *testing.T, s store.Queue) []models.Envelope {
	t.Helper()
	var envs []models.Envelope
	for _, body := range drain(t, s, queue.MainQueue) {
		env, err := models.DecodeEnvelope(body)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func queueLen(t *testing.T, s store.Queue, q string) int {
	t.Helper()
	n, err := s.QueueLen(context.Background(), q)
	require.NoError(t, err)
	return n
}

func allKeys(t *testing.T, s store.KV) []string {
	t.Helper()
	keys, err := s.KeysMatching(context.Background(), "")
	require.NoError(t, err)
	return keys
}

func gasObservation() models.Observation {
	return models.Observation{
		SourceID:    "ground_12",
		Kind:        models.KindGasSensor,
		Coordinates: &models.Coordinates{Lat: 37.7749, Lon: -122.4194},
		CapturedAt:  models.NewTimestamp(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)),
		Payload:     map[string]any{"gas_levels": map[string]any{"co": 40, "co2": 1233}},
	}
}

func validTask(id string) models.CandidateTask {
	ts := models.NewTimestamp(time.Date(2025, 2, 1, 10, 5, 0, 0, time.UTC))
	return models.CandidateTask{
		ID:          models.FlexID(id),
		Kind:        "search",
		Coordinates: &models.Coordinates{Lat: 37.7749, Lon: -122.4194},
		CapturedAt:  &ts,
		Priority:    4,
	}
}

func batchOf(t *testing.T, raws ...string) models.TaskBatch {
	t.Helper()
	batch := make(models.TaskBatch, 0, len(raws))
	for _, r := range raws {
		require.True(t, json.Valid([]byte(r)), r)
		batch = append(batch, json.RawMessage(r))
	}
	return batch
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func emptyPrompts() prompt.Source {
	return prompt.NewFSSource(fstest.MapFS{})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", &ValidationError{Stage: StageAllocate, Err: errors.New("x")}, false},
		{"dispatch", &DispatchError{TaskID: "1", Reason: "none"}, false},
		{"template", &TemplateError{Stage: StageInterpret, Kind: "image", Err: prompt.ErrNotFound}, false},
		{"unknown task type", models.ErrUnknownTaskType, false},
		{"oracle", &OracleError{Stage: StageEscalate, Err: errors.New("timeout")}, true},
		{"store", &StoreError{Op: "set", Err: errors.New("conn refused")}, true},
		{"partial", &PartialError{Stage: StageInterpret, Done: "writing event:1", Err: &StoreError{Op: "enqueue escalate", Err: errors.New("conn refused")}}, false},
		{"wrapped validation", errors.Join(errors.New("ctx"), &ValidationError{Err: errors.New("x")}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRouteUnknownPayload(t *testing.T) {
	h := setupHarness(t)
	err := h.pipeline.Route(context.Background(), models.Envelope{})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, models.ErrUnknownTaskType)
	assert.Equal(t, 0, h.oracle.calls())
}

func TestRouteDispatchesByVariant(t *testing.T) {
	h := setupHarness(t)
	h.oracle.content = `[]`

	err := h.pipeline.Route(context.Background(), models.NewEnvelope(models.EscalatePayload{
		Events: []models.Event{{ID: "event:x"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, h.oracle.calls())
	assert.Contains(t, h.oracle.lastRequest().Text, "event:x")
}

func TestTemplateErrorFromEmptySource(t *testing.T) {
	h := setupHarness(t)
	h.pipeline.prompts = emptyPrompts()
	_, err := h.pipeline.Escalate(context.Background(), []models.Event{{ID: "event:1"}})
	var te *TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StageEscalate, te.Stage)
	assert.True(t, strings.Contains(err.Error(), "default"))
}
