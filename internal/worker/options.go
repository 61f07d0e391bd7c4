package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/store"
)

// RequiredConfig contains the required dependencies for a Pool.
type RequiredConfig struct {
	// Source is read for deliveries on the main queue.
	Source store.Queue
	// Tasks re-enqueues retries and records dead letters.
	Tasks TaskQueue
	// Router handles each decoded envelope.
	Router Router
}

// Option is a functional option for configuring a Pool.
type Option func(*Pool)

// WithCount sets the number of concurrent workers.
func WithCount(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.count = n
		}
	}
}

// WithMaxAttempts sets how many deliveries an envelope gets before it is
// dead-lettered. 1 disables retries.
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithPollWait bounds each blocking dequeue so workers notice shutdown.
func WithPollWait(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollWait = d
		}
	}
}

// WithVisibilityTimeout sets the age after which an unacked claim is
// handed out again. Zero disables recovery.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.visibility = d
	}
}

// WithRetryable sets the predicate deciding whether a failed envelope may be retried.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Pool) {
		if fn != nil {
			p.retryable = fn
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}
