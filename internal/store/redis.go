package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis server.
//
// Queues are lists. A claim moves the message to "<queue>:processing" and
// records the claim time in the "<queue>:claims" hash keyed by job id, both
// inside one script so no processing entry is ever visible without its claim.
type Redis struct {
	client       *redis.Client
	now          func() time.Time
	pollInterval time.Duration
}

// queueMessage is the list element stored for each queued body. JSON bodies
// are kept verbatim in Body so consumers can read the list directly; anything
// else goes to Data as base64.
type queueMessage struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

func (m queueMessage) payload() []byte {
	if len(m.Body) > 0 {
		return []byte(m.Body)
	}
	return m.Data
}

// claimScript moves the head of KEYS[1] onto KEYS[2] and records ARGV[1] as
// its claim time in KEYS[3].
var claimScript = redis.NewScript(`
local raw = redis.call('LMOVE', KEYS[1], KEYS[2], 'LEFT', 'RIGHT')
if not raw then
	return false
end
local ok, msg = pcall(cjson.decode, raw)
if ok and type(msg) == 'table' and msg.id then
	redis.call('HSET', KEYS[3], msg.id, ARGV[1])
end
return raw
`)

// recoverScript puts ARGV[1] back on the head of KEYS[1] when its claim in
// KEYS[3] is missing or not newer than ARGV[3]. An entry acked meanwhile is
// left alone.
var recoverScript = redis.NewScript(`
local at = redis.call('HGET', KEYS[3], ARGV[2])
if at and tonumber(at) > tonumber(ARGV[3]) then
	return 0
end
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[2])
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// OpenRedis connects to the server at url and verifies it answers.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client, now: time.Now, pollInterval: 50 * time.Millisecond}, nil
}

// SetPollInterval changes how often a blocked Dequeue re-checks the queue.
func (r *Redis) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

func processingKey(queue string) string { return queue + ":processing" }
func claimsKey(queue string) string     { return queue + ":claims" }

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get returns the value stored at key, or ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value at key without expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// KeysMatching scans for keys with the given prefix.
func (r *Redis) KeysMatching(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// SCAN may return a key more than once and in any order.
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// GeoAdd adds or moves member in index.
func (r *Redis) GeoAdd(ctx context.Context, index string, lon, lat float64, member string) error {
	err := r.client.GeoAdd(ctx, index, &redis.GeoLocation{
		Name:      member,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s %s: %w", index, member, err)
	}
	return nil
}

// SetWithGeo stores value and indexes key inside MULTI/EXEC.
func (r *Redis) SetWithGeo(ctx context.Context, key string, value []byte, index string, lon, lat float64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, 0)
		pipe.GeoAdd(ctx, index, &redis.GeoLocation{Name: key, Longitude: lon, Latitude: lat})
		return nil
	})
	if err != nil {
		return fmt.Errorf("set with geo %s: %w", key, err)
	}
	return nil
}

// GeoSearch returns members within radiusKm of (lon, lat), nearest first.
func (r *Redis) GeoSearch(ctx context.Context, index string, lon, lat, radiusKm float64) ([]string, error) {
	members, err := r.client.GeoSearch(ctx, index, &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", index, err)
	}
	return members, nil
}

// Enqueue appends body to the tail of queue.
func (r *Redis) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	msg := queueMessage{
		ID:         uuid.New().String(),
		EnqueuedAt: r.now().UnixNano(),
	}
	if json.Valid(body) {
		msg.Body = json.RawMessage(body)
	} else {
		msg.Data = body
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode queue message: %w", err)
	}
	if err := r.client.RPush(ctx, queue, raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return msg.ID, nil
}

// Dequeue claims the head of queue, polling until wait elapses.
func (r *Redis) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	deadline := r.now().Add(wait)
	for {
		d, err := r.claim(ctx, queue)
		if err != nil || d != nil {
			return d, err
		}

		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}
		sleep := r.pollInterval
		if remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) claim(ctx context.Context, queue string) (*Delivery, error) {
	now := r.now()
	keys := []string{queue, processingKey(queue), claimsKey(queue)}
	raw, err := claimScript.Run(ctx, r.client, keys, now.UnixNano()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	var msg queueMessage
	err = json.Unmarshal([]byte(raw), &msg)
	if err == nil && msg.ID == "" {
		err = errors.New("missing id")
	}
	if err != nil {
		// Unreadable element: drop it so it cannot wedge the processing list.
		r.client.LRem(ctx, processingKey(queue), 1, raw)
		return nil, fmt.Errorf("decode queue message on %s: %w", queue, err)
	}

	return &Delivery{
		Queue:     queue,
		JobID:     msg.ID,
		Body:      msg.payload(),
		ClaimedAt: now,
		raw:       raw,
	}, nil
}

// Ack removes the message from the processing list.
func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(d.Queue), 1, d.raw)
		pipe.HDel(ctx, claimsKey(d.Queue), d.JobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.JobID, err)
	}
	return nil
}

// Recover pushes stale claims back onto the head of queue.
// A processing entry with no recorded claim time counts as stale; claims are
// written together with the move, so only damaged entries lack one.
func (r *Redis) Recover(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	pending, err := r.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing %s: %w", queue, err)
	}

	keys := []string{queue, processingKey(queue), claimsKey(queue)}
	cutoff := r.now().Add(-olderThan).UnixNano()
	recovered := 0
	for _, raw := range pending {
		var msg queueMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		n, err := recoverScript.Run(ctx, r.client, keys, raw, msg.ID, cutoff).Int()
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", msg.ID, err)
		}
		recovered += n
	}
	return recovered, nil
}

// QueueLen returns the number of unclaimed messages.
func (r *Redis) QueueLen(ctx context.Context, queue string) (int, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", queue, err)
	}
	return int(n), nil
}

// PurgeQueue deletes the queue with its processing list and claims.
func (r *Redis) PurgeQueue(ctx context.Context, queue string) error {
	if err := r.client.Del(ctx, queue, processingKey(queue), claimsKey(queue)).Err(); err != nil {
		return fmt.Errorf("purge %s: %w", queue, err)
	}
	return nil
}

// Flush runs FLUSHDB on the selected database.
func (r *Redis) Flush(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flushdb: %w", err)
	}
	return nil
}
