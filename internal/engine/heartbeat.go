// heartbeat.go publishes engine liveness.
//
// Two signals: a TTL'd broker key (absence after the TTL means the engine
// is down) and a raw pub/sub message on the heartbeat channel. Heartbeats
// are unsequenced; they describe the engine, not the world. The engine
// lock's expiry is extended on the same cadence.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"wallstreetsim/internal/broker"
	"wallstreetsim/pkg/types"
)

func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	e.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishHeartbeat(ctx)
			if err := e.broker.Set(ctx, broker.LockKey(engineLock), "1", e.cfg.Heartbeat.TTL); err != nil {
				e.logger.Warn("engine lock extend failed", "error", err)
			}
		}
	}
}

// publishHeartbeat writes the TTL'd heartbeat key and broadcasts the same
// payload on the heartbeat channel.
func (e *Engine) publishHeartbeat(ctx context.Context) {
	hb := e.snapshotHeartbeat()

	data, err := json.Marshal(hb)
	if err != nil {
		e.logger.Error("heartbeat marshal failed", "error", err)
		return
	}
	if err := e.broker.Set(ctx, broker.KeyHeartbeat, string(data), e.cfg.Heartbeat.TTL); err != nil {
		e.logger.Warn("heartbeat key write failed", "error", err)
	}
	if err := e.broker.PublishRaw(ctx, types.ChanHeartbeat, hb); err != nil {
		e.logger.Warn("heartbeat publish failed", "error", err)
	}
}

// snapshotHeartbeat captures the scheduler's shared timing state.
func (e *Engine) snapshotHeartbeat() types.Heartbeat {
	e.mu.Lock()
	defer e.mu.Unlock()

	var avg float64
	for _, d := range e.tickDurations {
		avg += d
	}
	if len(e.tickDurations) > 0 {
		avg /= float64(len(e.tickDurations))
	}

	var tick int64
	var marketOpen bool
	if e.world != nil {
		tick = e.world.Tick
		marketOpen = e.world.MarketOpen
	}

	var uptime int64
	if !e.startedAt.IsZero() {
		uptime = time.Since(e.startedAt).Milliseconds()
	}
	lastTick := ""
	if !e.lastTickAt.IsZero() {
		lastTick = e.lastTickAt.UTC().Format(time.RFC3339Nano)
	}

	return types.Heartbeat{
		Tick:              tick,
		Status:            e.status,
		Timestamp:         time.Now().UTC().Format(time.RFC3339Nano),
		MarketOpen:        marketOpen,
		LastTickAt:        lastTick,
		AvgTickDurationMs: avg,
		TicksProcessed:    e.ticksProcessed,
		UptimeMs:          uptime,
	}
}
