// Package tickcache implements a Redis-backed shared cache of the last
// market-data tick per (venue,symbol), the last heartbeat per venue, and a
// per-venue inbound message-rate counter. A single in-process map cannot
// serve these reads consistently across more than one dispatcher instance,
// which is why the staleness gate (spec §4.2 gate 3) and cancel-on-burst
// (spec §4.3) data live here instead. The token-bucket-in-Lua pattern is
// grounded on core/pkg/kernel/limiter_redis.go's RedisLimiterStore, adapted
// from rate limiting to a plain read-modify-write cache.
package tickcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/logging"
)

// Config wires a Cache's Redis connection and call timeout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	Logger   *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 50 * time.Millisecond
	}
	return c
}

// Cache is a Redis-backed tick/heartbeat/message-rate store. It satisfies
// riskguard.TickSource and riskguard.HeartbeatSource.
type Cache struct {
	cfg    Config
	client *redis.Client
}

// New builds a Cache against the given Redis address.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{cfg: cfg, client: client}
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.Timeout)
}

func tickKey(venueName, symbol string) string {
	return fmt.Sprintf("tick:%s:%s", venueName, symbol)
}

func heartbeatKey(venueName string) string {
	return fmt.Sprintf("heartbeat:%s", venueName)
}

// SetTick records the latest observed price for venue/symbol.
func (c *Cache) SetTick(ctx context.Context, venueName, symbol string, price fixedpoint.Value, observedAt time.Time) error {
	text, err := price.MarshalText()
	if err != nil {
		return err
	}
	return c.client.HSet(ctx, tickKey(venueName, symbol), map[string]interface{}{
		"price":      string(text),
		"observedAt": observedAt.UTC().UnixNano(),
	}).Err()
}

// LastTick implements riskguard.TickSource: resolves the last known tick
// for venue/symbol, or ok=false if nothing cached or Redis is unreachable
// (a cache miss fails the staleness gate closed, which is the safe default).
func (c *Cache) LastTick(venueName, symbol string) (fixedpoint.Value, time.Time, bool) {
	ctx, cancel := c.ctx()
	defer cancel()

	res, err := c.client.HGetAll(ctx, tickKey(venueName, symbol)).Result()
	if err != nil || len(res) == 0 {
		c.logMiss(err, "tick cache miss")
		return fixedpoint.Zero, time.Time{}, false
	}

	var price fixedpoint.Value
	if err := price.UnmarshalText([]byte(res["price"])); err != nil {
		return fixedpoint.Zero, time.Time{}, false
	}
	nanos, err := strconv.ParseInt(res["observedAt"], 10, 64)
	if err != nil {
		return fixedpoint.Zero, time.Time{}, false
	}
	return price, time.Unix(0, nanos).UTC(), true
}

// SetHeartbeat records that venueName's heartbeat was observed at t.
func (c *Cache) SetHeartbeat(ctx context.Context, venueName string, t time.Time) error {
	return c.client.Set(ctx, heartbeatKey(venueName), t.UTC().UnixNano(), 0).Err()
}

// LastHeartbeat implements riskguard.HeartbeatSource.
func (c *Cache) LastHeartbeat(venueName string) (time.Time, bool) {
	ctx, cancel := c.ctx()
	defer cancel()

	nanos, err := c.client.Get(ctx, heartbeatKey(venueName)).Int64()
	if err != nil {
		c.logMiss(err, "heartbeat cache miss")
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}

// RecordMessage increments venueName's current 1-second message bucket and
// returns the resulting rate (messages observed in the current second),
// shared across every dispatcher instance talking to that venue — the
// Redis-backed equivalent of OrderManager's in-process burst window. No
// code in this repository calls it.
func (c *Cache) RecordMessage(ctx context.Context, venueName string) (float64, error) {
	key := fmt.Sprintf("msgrate:%s:%d", venueName, time.Now().UTC().Unix())
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return float64(incr.Val()), nil
}

func (c *Cache) logMiss(err error, msg string) {
	if err == nil || err == redis.Nil || c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.LogSecurityEvent(context.Background(), "tickcache_error", msg+": "+err.Error())
}
