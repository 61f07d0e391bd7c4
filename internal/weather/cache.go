package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

const (
	dataKeyPrefix       = "weather:data:"
	lastUpdateKeyPrefix = "weather:last_update:"
)

// Cell buckets a position to two decimals (about 1 km), the cache granularity.
func Cell(pos models.Coordinates) string {
	return fmt.Sprintf("%.2f,%.2f", pos.Lat, pos.Lon)
}

// Cache keeps provider answers in the shared store for ttl per cell.
type Cache struct {
	kv       store.KV
	provider Provider
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewCache wraps provider with a store-backed cache.
func NewCache(kv store.KV, provider Provider, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{kv: kv, provider: provider, ttl: ttl, logger: logger.Named("weather"), now: time.Now}
}

// Current returns cached conditions for pos's cell, refreshing them when stale.
// A failed refresh falls back to a stale entry when one exists.
func (c *Cache) Current(ctx context.Context, pos models.Coordinates) (json.RawMessage, error) {
	cell := Cell(pos)
	cached, fresh := c.lookup(ctx, cell)
	if fresh {
		return cached, nil
	}

	data, err := c.provider.Current(ctx, pos)
	if err != nil {
		if cached != nil {
			c.logger.Warn("weather refresh failed, serving stale entry",
				zap.String("cell", cell), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	if err := c.kv.Set(ctx, dataKeyPrefix+cell, data); err != nil {
		c.logger.Warn("cannot cache weather", zap.String("cell", cell), zap.Error(err))
		return data, nil
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	if err := c.kv.Set(ctx, lastUpdateKeyPrefix+cell, []byte(ts)); err != nil {
		c.logger.Warn("cannot stamp cached weather", zap.String("cell", cell), zap.Error(err))
	}
	return data, nil
}

func (c *Cache) lookup(ctx context.Context, cell string) (json.RawMessage, bool) {
	data, err := c.kv.Get(ctx, dataKeyPrefix+cell)
	if err != nil {
		return nil, false
	}
	raw, err := c.kv.Get(ctx, lastUpdateKeyPrefix+cell)
	if err != nil {
		return data, false
	}
	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return data, false
	}
	return data, c.now().Sub(time.Unix(secs, 0)) < c.ttl
}
