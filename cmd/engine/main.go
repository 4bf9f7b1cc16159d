// Wall Street Simulator tick engine — the deterministic world driver for a
// multi-agent market simulation.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires deps, waits for SIGINT/SIGTERM
//	engine/engine.go     — tick scheduler: the single serial writer of all world state
//	engine/tick.go       — the frozen per-tick phase pipeline (match → settle → price → publish → …)
//	engine/actions.go    — turns agent webhook responses into orders and world effects
//	match/engine.go      — price-time priority matching over per-symbol limit order books
//	book/book.go         — sorted bid/ask levels, FIFO within a level
//	price/engine.go      — composite price model: agent pressure + random walk + sector + events
//	sim/events.go        — random market events with decaying impact; black swans
//	sim/news.go          — news feed derived from events, block trades and price moves
//	sec/detector.go      — surveillance: wash trades, manipulation, insider trading, fraud
//	sec/lifecycle.go     — investigation state machine through to verdicts
//	webhook/dispatcher.go— signed per-tick POSTs to agent callbacks over a bounded pool
//	broker/broker.go     — redis: global sequence, pub/sub channels, locks, replay log
//	store/store.go       — postgres via gorm: agents, orders, trades, holdings, checkpoints
//
// The engine is the only writer. The gateway (a separate service) handles
// agent registration and REST reads, inserts orders as pending rows, and
// fans the broker channels out to websockets.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wallstreetsim/internal/broker"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/engine"
	"wallstreetsim/internal/metrics"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/webhook"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("WSS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	br, err := broker.New(cfg.Broker, logger)
	if err != nil {
		logger.Error("failed to connect broker", "error", err)
		os.Exit(1)
	}
	defer br.Close()

	dispatcher, err := webhook.New(cfg.Webhook, logger)
	if err != nil {
		logger.Error("failed to create webhook dispatcher", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	m := metrics.New(logger)
	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(cfg.Metrics); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	eng := engine.New(cfg, st, br, dispatcher, m, logger)
	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("tick engine started",
		"interval", cfg.Tick.Interval,
		"seed", cfg.Tick.Seed,
		"metrics", cfg.Metrics.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	if cfg.Metrics.Enabled {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("failed to stop metrics listener", "error", err)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
