// Package telemetry exposes Prometheus metrics for the engine.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrument set.
type Metrics struct {
	BarsTotal        *prometheus.CounterVec
	OrdersTotal      *prometheus.CounterVec
	LoopLatency      prometheus.Histogram
	ConnState        *prometheus.GaugeVec
	StrategyErrors   prometheus.Counter
	SnapshotFailures prometheus.Counter
}

// New registers the engine metrics on a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		BarsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maotrade_bars_total",
			Help: "Bars delivered to strategies",
		}, []string{"instrument"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maotrade_orders_total",
			Help: "Order state transitions",
		}, []string{"state"}),
		LoopLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maotrade_loop_latency_seconds",
			Help:    "Trade manager iteration latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ConnState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maotrade_broker_connection_state",
			Help: "Broker channel connection state (0=disconnected..4=failed)",
		}, []string{"channel"}),
		StrategyErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "maotrade_strategy_errors_total",
			Help: "Strategy callbacks that panicked or errored",
		}),
		SnapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "maotrade_snapshot_failures_total",
			Help: "Strategy state snapshot failures",
		}),
	}
	return m, reg
}

// Serve exposes /metrics until ctx is cancelled.
func Serve(ctx context.Context, reg *prometheus.Registry, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
