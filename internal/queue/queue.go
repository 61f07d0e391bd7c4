// Package queue puts pipeline envelopes and agent dispatches onto the store's queues.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

const (
	// MainQueue carries every pipeline envelope.
	MainQueue = "main_queue"
	// DeadLetterQueue receives envelopes that exhausted their attempts.
	DeadLetterQueue = MainQueue + ":dead"
)

// EnqueueError reports that an envelope could not be written to a queue.
// No automatic retry is attempted; the caller decides.
type EnqueueError struct {
	Queue    string
	TaskType models.TaskType
	Err      error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue %s onto %s: %v", e.TaskType, e.Queue, e.Err)
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// DeadLetter is the record written to the dead-letter queue.
type DeadLetter struct {
	Envelope json.RawMessage `json:"envelope"`
	Cause    string          `json:"cause"`
	FailedAt time.Time       `json:"failed_at"`
}

// TaskQueue writes to the main queue, the dead-letter queue and the
// per-agent-type execution queues.
type TaskQueue struct {
	q      store.Queue
	logger *zap.Logger
}

// New creates a TaskQueue over q.
func New(q store.Queue, logger *zap.Logger) *TaskQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskQueue{q: q, logger: logger.Named("queue")}
}

// Enqueue stamps enqueued_at when unset and appends env to the main queue.
func (t *TaskQueue) Enqueue(ctx context.Context, env models.Envelope) (string, error) {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if env.Attempt < 1 {
		env.Attempt = 1
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", &EnqueueError{Queue: MainQueue, TaskType: env.TaskType(), Err: err}
	}
	jobID, err := t.q.Enqueue(ctx, MainQueue, body)
	if err != nil {
		return "", &EnqueueError{Queue: MainQueue, TaskType: env.TaskType(), Err: err}
	}
	t.logger.Debug("enqueued",
		zap.String("job_id", jobID),
		zap.String("task_type", string(env.TaskType())),
		zap.Int("attempt", env.Attempt))
	return jobID, nil
}

// Retry re-enqueues env with its attempt counter advanced.
func (t *TaskQueue) Retry(ctx context.Context, env models.Envelope) (string, error) {
	env.Attempt++
	env.EnqueuedAt = time.Now().UTC()
	return t.Enqueue(ctx, env)
}

// Dispatch appends body to the execution queue of agentType.
func (t *TaskQueue) Dispatch(ctx context.Context, agentType models.AgentType, body []byte) (string, error) {
	if !agentType.Valid() {
		return "", fmt.Errorf("invalid agent type %q", agentType)
	}
	queue := agentType.QueueName()
	jobID, err := t.q.Enqueue(ctx, queue, body)
	if err != nil {
		return "", &EnqueueError{Queue: queue, TaskType: models.TaskAllocate, Err: err}
	}
	return jobID, nil
}

// DeadLetter records a body that will not be processed again.
// body may be an undecodable message; it is kept verbatim when it is valid JSON.
func (t *TaskQueue) DeadLetter(ctx context.Context, body []byte, cause error) error {
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		raw, _ = json.Marshal(string(body))
	}
	rec := DeadLetter{Envelope: raw, FailedAt: time.Now().UTC()}
	if cause != nil {
		rec.Cause = cause.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := t.q.Enqueue(ctx, DeadLetterQueue, data); err != nil {
		return &EnqueueError{Queue: DeadLetterQueue, Err: err}
	}
	return nil
}

// Lengths returns the number of waiting messages per named queue.
func (t *TaskQueue) Lengths(ctx context.Context, queues ...string) (map[string]int, error) {
	out := make(map[string]int, len(queues))
	for _, q := range queues {
		n, err := t.q.QueueLen(ctx, q)
		if err != nil {
			return nil, err
		}
		out[q] = n
	}
	return out, nil
}

// KnownQueues lists the main, dead-letter and execution queues for agentTypes.
func KnownQueues(agentTypes ...models.AgentType) []string {
	queues := []string{MainQueue, DeadLetterQueue}
	for _, at := range agentTypes {
		queues = append(queues, at.QueueName())
	}
	return queues
}
