// Package worker runs the pool that drains the main queue into the pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/swarmops/internal/metrics"
	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// Router handles one decoded envelope.
type Router interface {
	Route(ctx context.Context, env models.Envelope) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, env models.Envelope) error

// Route calls f.
func (f RouterFunc) Route(ctx context.Context, env models.Envelope) error { return f(ctx, env) }

// TaskQueue is the subset of queue.TaskQueue the pool writes to.
type TaskQueue interface {
	Retry(ctx context.Context, env models.Envelope) (string, error)
	DeadLetter(ctx context.Context, body []byte, cause error) error
}

// Recorder receives per-envelope outcomes.
type Recorder interface {
	TaskHandled(taskType, outcome string, d time.Duration)
	DeadLettered()
}

type nopRecorder struct{}

func (nopRecorder) TaskHandled(string, string, time.Duration) {}
func (nopRecorder) DeadLettered()                             {}

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

const (
	defaultCount    = 4
	defaultPollWait = 2 * time.Second
	// errorBackoff is the pause after a failed dequeue.
	errorBackoff = 500 * time.Millisecond
)

// Pool runs a fixed number of workers over the main queue. Each delivery is
// decoded, routed and acked; a failing or panicking handler only affects its
// own envelope.
type Pool struct {
	source store.Queue
	tasks  TaskQueue
	router Router

	count       int
	maxAttempts int
	pollWait    time.Duration
	visibility  time.Duration
	retryable   func(error) bool
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Pool.
func New(cfg RequiredConfig, opts ...Option) *Pool {
	p := &Pool{
		source:      cfg.Source,
		tasks:       cfg.Tasks,
		router:      cfg.Router,
		count:       defaultCount,
		maxAttempts: 1,
		pollWait:    defaultPollWait,
		retryable:   func(error) bool { return true },
		recorder:    nopRecorder{},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("worker")
	return p
}

// Count returns the number of workers Run starts.
func (p *Pool) Count() int { return p.count }

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight envelope has finished.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	if p.visibility > 0 {
		g.Go(func() error {
			p.recoverLoop(gctx)
			return nil
		})
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.count),
		zap.Int("max_attempts", p.maxAttempts),
		zap.Duration("visibility_timeout", p.visibility))

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker_id", id))
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.source.Dequeue(ctx, queue.MainQueue, p.pollWait)
		if errors.Is(err, store.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		// In-flight work finishes even when shutdown starts mid-task.
		p.process(context.WithoutCancel(ctx), log, d)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, d *store.Delivery) {
	started := p.now()
	log = log.With(zap.String("job_id", d.JobID))
	defer func() {
		if err := p.source.Ack(ctx, d); err != nil {
			log.Error("ack failed", zap.Error(err))
		}
	}()

	env, err := models.DecodeEnvelope(d.Body)
	if err != nil {
		log.Error("undecodable envelope", zap.Error(err))
		p.recorder.TaskHandled("unknown", metrics.OutcomeRejected, 0)
		p.deadLetter(ctx, log, d.Body, err)
		return
	}

	taskType := string(env.TaskType())
	log = log.With(zap.String("task_type", taskType), zap.Int("attempt", env.Attempt))
	log.Info("task started",
		zap.Time("started_at", started),
		zap.Duration("queued_for", started.Sub(env.EnqueuedAt)))

	err = p.handle(ctx, env)
	elapsed := p.now().Sub(started)
	if err == nil {
		p.recorder.TaskHandled(taskType, metrics.OutcomeOK, elapsed)
		log.Info("task done", zap.Duration("elapsed", elapsed))
		return
	}

	var pe *PanicError
	panicked := errors.As(err, &pe)
	if panicked {
		log.Error("task panicked", zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
	} else {
		log.Error("task failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	}

	switch {
	case p.maxAttempts <= 1:
		// fire and forget
		p.recorder.TaskHandled(taskType, outcomeFor(panicked), elapsed)
	case !panicked && p.retryable(err) && env.Attempt < p.maxAttempts:
		if jobID, rerr := p.tasks.Retry(ctx, env); rerr != nil {
			log.Error("retry enqueue failed", zap.Error(rerr))
			p.recorder.TaskHandled(taskType, metrics.OutcomeError, elapsed)
		} else {
			log.Info("task retried", zap.String("retry_job_id", jobID), zap.Int("next_attempt", env.Attempt+1))
			p.recorder.TaskHandled(taskType, metrics.OutcomeRetried, elapsed)
		}
	default:
		p.recorder.TaskHandled(taskType, outcomeFor(panicked), elapsed)
		p.deadLetter(ctx, log, d.Body, err)
	}
}

func outcomeFor(panicked bool) string {
	if panicked {
		return metrics.OutcomePanic
	}
	return metrics.OutcomeError
}

// handle routes env, turning a panic into a *PanicError.
func (p *Pool) handle(ctx context.Context, env models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.router.Route(ctx, env)
}

func (p *Pool) deadLetter(ctx context.Context, log *zap.Logger, body []byte, cause error) {
	if err := p.tasks.DeadLetter(ctx, body, cause); err != nil {
		log.Error("dead letter failed", zap.Error(err))
		return
	}
	p.recorder.DeadLettered()
	log.Warn("envelope dead-lettered", zap.String("queue", queue.DeadLetterQueue))
}

// recoverLoop releases claims abandoned by crashed workers.
func (p *Pool) recoverLoop(ctx context.Context) {
	interval := p.visibility / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := p.source.Recover(ctx, queue.MainQueue, p.visibility)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Warn("claim recovery failed", zap.Error(err))
		case n > 0:
			p.logger.Warn("recovered stale claims", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
