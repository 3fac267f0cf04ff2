// Package metrics exposes Prometheus collectors for the RPC daemon.
//
// Every method on *RPC is nil-safe: a nil *RPC (metrics disabled) records
// nothing at zero cost, so callers never need to guard their calls.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RPC holds the daemon's collectors.
type RPC struct {
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	sessions       *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
	authDecisions  *prometheus.CounterVec
	transportFails prometheus.Counter
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the RPC collectors with reg.
func New(reg prometheus.Registerer) *RPC {
	return &RPC{
		calls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "middlewared_calls_total",
				Help: "Total number of dispatched method calls by namespace and outcome",
			},
			[]string{"namespace", "outcome"}, // outcome: "ok" or an error kind
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "middlewared_call_duration_seconds",
				Help:    "Method call latency by namespace",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"namespace"},
		),
		sessions: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "middlewared_sessions",
				Help: "Open sessions by state",
			},
			[]string{"state"},
		),
		sessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "middlewared_sessions_total",
				Help: "Accepted sessions by transport",
			},
			[]string{"transport"},
		),
		authDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "middlewared_auth_decisions_total",
				Help: "Peer authentication decisions",
			},
			[]string{"decision"}, // "accepted", "rejected"
		),
		transportFails: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "middlewared_transport_failures_total",
				Help: "Sessions terminated by a read or write failure",
			},
		),
	}
}

func (m *RPC) ObserveCall(namespace, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(namespace, outcome).Inc()
	m.callDuration.WithLabelValues(namespace).Observe(d.Seconds())
}

func (m *RPC) SessionOpened(transport, state string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(transport).Inc()
	m.sessions.WithLabelValues(state).Inc()
}

func (m *RPC) SessionClosed(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Dec()
}

func (m *RPC) AuthDecision(accepted bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.authDecisions.WithLabelValues(decision).Inc()
}

func (m *RPC) TransportFailure() {
	if m == nil {
		return
	}
	m.transportFails.Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
