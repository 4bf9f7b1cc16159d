// Package broker wraps the redis key/value + pub/sub store the engine
// shares with the gateway.
//
// It provides the global monotonic sequence counter, TTL'd keys (heartbeat,
// current tick, per-action rate limits), NX/PX distributed locks, the
// rolling replay log, and the sequenced publish path: every message on a
// sequenced channel is wrapped in an Envelope carrying the next value of
// sequence:global, so subscribers can detect gaps and order messages.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// Broker key layout shared with the gateway.
const (
	KeySequence  = "sequence:global"
	KeyTick      = "tick:current"
	KeyHeartbeat = "engine:heartbeat"
	KeyReplayLog = "replay:ticks"
)

// PriceKey returns the latest-price mirror key for a symbol.
func PriceKey(symbol string) string { return "price:" + symbol }

// RateLimitKey returns the per-agent per-action counter key.
func RateLimitKey(agentID string, action types.ActionType) string {
	return fmt.Sprintf("ratelimit:%s:%s", agentID, action)
}

// LockKey returns the distributed lock key for a resource.
func LockKey(resource string) string { return "lock:" + resource }

// Client is a thin wrapper around the redis client.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to redis and verifies the connection.
func New(cfg config.BrokerConfig, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("broker ping: %w", err)
	}
	return &Client{rdb: rdb, logger: logger.With("component", "broker")}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// ————————————————————————————————————————————————————————————————————————
// Sequence counter
// ————————————————————————————————————————————————————————————————————————

// NextSequence atomically increments and returns the global sequence.
func (c *Client) NextSequence(ctx context.Context) (int64, error) {
	return c.rdb.Incr(ctx, KeySequence).Result()
}

// Sequence reads the current sequence without incrementing.
func (c *Client) Sequence(ctx context.Context) (int64, error) {
	v, err := c.rdb.Get(ctx, KeySequence).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// SetSequence overwrites the counter (used only for replay bootstrap).
func (c *Client) SetSequence(ctx context.Context, v int64) error {
	return c.rdb.Set(ctx, KeySequence, v, 0).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Key/value
// ————————————————————————————————————————————————————————————————————————

// Set writes a key with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get reads a key; missing keys return "" with no error.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// IncrWithTTL increments a counter, setting the expiry on first increment.
// Used for ratelimit:<agent>:<action> windows.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// AcquireLock takes lock:<resource> with NX + PX expiry. Returns false when
// another holder has it.
func (c *Client) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, LockKey(resource), "1", ttl).Result()
}

// ReleaseLock drops the lock.
func (c *Client) ReleaseLock(ctx context.Context, resource string) error {
	return c.rdb.Del(ctx, LockKey(resource)).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Pub/sub
// ————————————————————————————————————————————————————————————————————————

// Publish wraps payload in an Envelope with the next global sequence and
// publishes it. Returns the sequence used.
func (c *Client) Publish(ctx context.Context, channel, msgType string, payload interface{}) (int64, error) {
	seq, err := c.NextSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("publish %s: sequence: %w", channel, err)
	}
	env := types.Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  seq,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("publish %s: marshal: %w", channel, err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return seq, nil
}

// PublishRaw publishes without an envelope or sequence (heartbeat only).
func (c *Client) PublishRaw(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish raw %s: marshal: %w", channel, err)
	}
	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe delivers each message on channel to handler from a dedicated
// goroutine until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) {
	sub := c.rdb.Subscribe(ctx, channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Replay log
// ————————————————————————————————————————————————————————————————————————

// PushTickRecord prepends this tick's event-log entry to the rolling replay
// list, trimming it to max entries.
func (c *Client) PushTickRecord(ctx context.Context, rec types.TickRecord, max int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tick record: marshal: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, KeyReplayLog, data)
	pipe.LTrim(ctx, KeyReplayLog, 0, max-1)
	_, err = pipe.Exec(ctx)
	return err
}
