// Package store provides the shared state store used by every pipeline stage:
// a key-value space, a geospatial index and durable FIFO queues.
//
// Two backends implement Store: SQLite (single node, the default) and Redis.
// Every call is fallible; callers must not assume ordering between a Set and
// a GeoAdd issued back to back unless they use GeoWriter.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// ErrQueueEmpty is returned by Dequeue when nothing arrived within the wait.
var ErrQueueEmpty = errors.New("queue empty")

// KV is point access to the key-value space.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// KeysMatching returns every key starting with prefix, sorted.
	KeysMatching(ctx context.Context, prefix string) ([]string, error)
}

// GeoIndex is a set of named points per index.
type GeoIndex interface {
	GeoAdd(ctx context.Context, index string, lon, lat float64, member string) error
	// GeoSearch returns members within radiusKm of (lon, lat), nearest first.
	GeoSearch(ctx context.Context, index string, lon, lat, radiusKm float64) ([]string, error)
}

// GeoWriter writes a value and indexes its key in one atomic step.
// It is optional; backends that cannot do it atomically do not implement it.
type GeoWriter interface {
	SetWithGeo(ctx context.Context, key string, value []byte, index string, lon, lat float64) error
}

// Delivery is a claimed queue message. It stays claimed until acked; claims
// older than the visibility timeout are handed out again by Recover.
type Delivery struct {
	Queue     string
	JobID     string
	Body      []byte
	ClaimedAt time.Time

	rowID int64
	raw   string
}

// Queue is a set of named durable FIFO queues with at-least-once delivery.
type Queue interface {
	// Enqueue appends body to queue and returns the job id.
	Enqueue(ctx context.Context, queue string, body []byte) (string, error)
	// Dequeue claims the oldest message, waiting up to wait. Returns ErrQueueEmpty on timeout.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*Delivery, error)
	// Ack removes a claimed message for good.
	Ack(ctx context.Context, d *Delivery) error
	// Recover releases claims older than olderThan back to the queue.
	Recover(ctx context.Context, queue string, olderThan time.Duration) (int, error)
	// QueueLen counts unclaimed messages.
	QueueLen(ctx context.Context, queue string) (int, error)
	// PurgeQueue drops every message, claimed or not.
	PurgeQueue(ctx context.Context, queue string) error
}

// Store is the full shared state store.
type Store interface {
	io.Closer
	KV
	GeoIndex
	Queue
	// Flush irreversibly deletes all state. Intended for dev and test resets.
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Compile-time verification that both backends implement the interfaces.
var (
	_ Store     = (*SQLite)(nil)
	_ GeoWriter = (*SQLite)(nil)
	_ Store     = (*Redis)(nil)
	_ GeoWriter = (*Redis)(nil)
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is "sqlite" or "redis".
	Backend string
	// Path is the SQLite database file.
	Path string
	// RedisURL is a redis:// or rediss:// URL.
	RedisURL string
}

// Open opens the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		return OpenSQLite(opts.Path)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
