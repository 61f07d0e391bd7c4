package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite implements Store on a single SQLite database file.
// Blocking dequeue is emulated by polling.
type SQLite struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex

	pollInterval time.Duration
	now          func() time.Time
}

// DefaultDBPath returns the default database location under XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "swarmops", "state.db")
}

// OpenSQLite opens (and migrates) the database at path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultDBPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps pragmas and locking predictable; s.mu serializes writers anyway.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{
		conn:         conn,
		path:         path,
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the path to the database file.
func (s *SQLite) Path() string {
	return s.path
}

// SetPollInterval changes how often a blocked Dequeue re-checks the queue.
func (s *SQLite) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLite) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1KV},
		{2, migrationV2Geo},
		{3, migrationV3Queue},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1KV = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const migrationV2Geo = `
CREATE TABLE IF NOT EXISTS geo (
	idx TEXT NOT NULL,
	member TEXT NOT NULL,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	PRIMARY KEY (idx, member)
);

CREATE INDEX IF NOT EXISTS idx_geo_lat ON geo(idx, lat);
`

const migrationV3Queue = `
CREATE TABLE IF NOT EXISTS queue_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue TEXT NOT NULL,
	job_id TEXT NOT NULL UNIQUE,
	body BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	claimed_at INTEGER,
	deliveries INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_items_ready ON queue_items(queue, claimed_at, id);
`

// Get returns the value stored at key, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value at key, replacing any previous value.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setLocked(ctx, s.conn, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) setLocked(ctx context.Context, ex execer, key string, value []byte) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.now().UnixNano())
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// KeysMatching returns all keys with the given prefix in ascending order.
func (s *SQLite) KeysMatching(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("keys matching %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// escapeLike escapes LIKE wildcards so the prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GeoAdd adds or moves member in index.
func (s *SQLite) GeoAdd(ctx context.Context, index string, lon, lat float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := geoAddLocked(ctx, s.conn, index, lon, lat, member); err != nil {
		return fmt.Errorf("geoadd %s %s: %w", index, member, err)
	}
	return nil
}

func geoAddLocked(ctx context.Context, ex execer, index string, lon, lat float64, member string) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("invalid position lon=%f lat=%f", lon, lat)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO geo (idx, member, lon, lat) VALUES (?, ?, ?, ?)
		ON CONFLICT(idx, member) DO UPDATE SET lon = excluded.lon, lat = excluded.lat
	`, index, member, lon, lat)
	return err
}

// SetWithGeo stores value at key and indexes key at (lon, lat) in one transaction.
func (s *SQLite) SetWithGeo(ctx context.Context, key string, value []byte, index string, lon, lat float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := s.setLocked(ctx, tx, key, value); err != nil {
		tx.Rollback()
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := geoAddLocked(ctx, tx, index, lon, lat, key); err != nil {
		tx.Rollback()
		return fmt.Errorf("geoadd %s %s: %w", index, key, err)
	}
	return tx.Commit()
}

// GeoSearch returns members of index within radiusKm of (lon, lat), nearest first.
func (s *SQLite) GeoSearch(ctx context.Context, index string, lon, lat, radiusKm float64) ([]string, error) {
	if radiusKm < 0 {
		return nil, fmt.Errorf("negative radius %f", radiusKm)
	}
	box := boxAround(lat, lon, radiusKm)

	query := "SELECT member, lon, lat FROM geo WHERE idx = ? AND lat BETWEEN ? AND ?"
	args := []any{index, box.minLat, box.maxLat}
	if !box.wrapsLon {
		query += " AND lon BETWEEN ? AND ?"
		args = append(args, box.minLon, box.maxLon)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", index, err)
	}
	defer rows.Close()

	var hits []geoHit
	for rows.Next() {
		var member string
		var mLon, mLat float64
		if err := rows.Scan(&member, &mLon, &mLat); err != nil {
			return nil, fmt.Errorf("scan geo member: %w", err)
		}
		if d := HaversineKm(lat, lon, mLat, mLon); d <= radiusKm {
			hits = append(hits, geoHit{member: member, distKm: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", index, err)
	}
	return sortHits(hits), nil
}

// Enqueue appends body to queue.
func (s *SQLite) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobID := uuid.New().String()
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO queue_items (queue, job_id, body, enqueued_at) VALUES (?, ?, ?, ?)",
		queue, jobID, body, s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return jobID, nil
}

// Dequeue claims the oldest unclaimed message, polling until one arrives,
// wait elapses or ctx is done.
func (s *SQLite) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	deadline := s.now().Add(wait)
	for {
		d, err := s.claim(ctx, queue)
		if err != nil || d != nil {
			return d, err
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}
		sleep := s.pollInterval
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

func (s *SQLite) claim(ctx context.Context, queue string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var d Delivery
	err = tx.QueryRowContext(ctx, `
		SELECT id, job_id, body FROM queue_items
		WHERE queue = ? AND claimed_at IS NULL
		ORDER BY id LIMIT 1
	`, queue).Scan(&d.rowID, &d.JobID, &d.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_items SET claimed_at = ?, deliveries = deliveries + 1 WHERE id = ?",
		now.UnixNano(), d.rowID); err != nil {
		return nil, fmt.Errorf("claim %s: %w", d.JobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim %s: %w", d.JobID, err)
	}

	d.Queue = queue
	d.ClaimedAt = now
	return &d, nil
}

// Ack deletes a claimed message.
func (s *SQLite) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", d.rowID); err != nil {
		return fmt.Errorf("ack %s: %w", d.JobID, err)
	}
	return nil
}

// Recover releases claims older than olderThan.
func (s *SQLite) Recover(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan).UnixNano()
	res, err := s.conn.ExecContext(ctx,
		"UPDATE queue_items SET claimed_at = NULL WHERE queue = ? AND claimed_at IS NOT NULL AND claimed_at <= ?",
		queue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

// QueueLen counts unclaimed messages in queue.
func (s *SQLite) QueueLen(ctx context.Context, queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_items WHERE queue = ? AND claimed_at IS NULL", queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", queue, err)
	}
	return n, nil
}

// PurgeQueue deletes every message in queue.
func (s *SQLite) PurgeQueue(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, "DELETE FROM queue_items WHERE queue = ?", queue); err != nil {
		return fmt.Errorf("purge %s: %w", queue, err)
	}
	return nil
}

// Flush deletes all keys, geo entries and queue messages.
func (s *SQLite) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, table := range []string{"kv", "geo", "queue_items"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return fmt.Errorf("flush %s: %w", table, err)
		}
	}
	return tx.Commit()
}
