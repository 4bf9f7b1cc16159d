// Package metrics exposes the engine's prometheus instrumentation on an
// optional /metrics listener.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wallstreetsim/internal/config"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	TickDuration         prometheus.Histogram
	TicksProcessed       prometheus.Counter
	TicksSkipped         prometheus.Counter
	PhaseFailures        *prometheus.CounterVec
	OrdersMatched        prometheus.Counter
	TradesExecuted       prometheus.Counter
	WebhookDeliveries    *prometheus.CounterVec
	ActiveInvestigations prometheus.Gauge
	MessagesPublished    prometheus.Counter

	server *http.Server
	logger *slog.Logger
}

// New registers the collectors on a fresh registry.
func New(logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wss",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one full tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		TicksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "ticks_processed_total",
			Help:      "Ticks completed since boot.",
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "ticks_skipped_total",
			Help:      "Scheduler intervals skipped because the previous tick overran.",
		}),
		PhaseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "phase_failures_total",
			Help:      "Tick phases that returned an error.",
		}, []string{"phase"}),
		OrdersMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "orders_matched_total",
			Help:      "Orders submitted to the matching engine.",
		}),
		TradesExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "trades_executed_total",
			Help:      "Fills produced by the matching engine.",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		ActiveInvestigations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wss",
			Name:      "active_investigations",
			Help:      "Investigations not yet in a terminal state.",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wss",
			Name:      "messages_published_total",
			Help:      "Sequenced messages published to the broker.",
		}),
		logger: logger.With("component", "metrics"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.server = &http.Server{Handler: mux}
	return m
}

// Serve starts the /metrics listener. Blocks until the server exits.
func (m *Metrics) Serve(cfg config.MetricsConfig) error {
	if !cfg.Enabled {
		return nil
	}
	m.server.Addr = fmt.Sprintf(":%d", cfg.Port)
	m.logger.Info("metrics listener starting", "addr", m.server.Addr)
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (m *Metrics) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}
