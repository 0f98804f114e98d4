// Package metrics exposes Prometheus collectors for the evaluation job.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_runs_total",
			Help: "Evaluation runs by outcome (ok, partial, failed, skipped).",
		},
		[]string{"outcome"},
	)
	AlertsEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratealert_alerts_evaluated_total",
			Help: "Alerts compared against a rate snapshot.",
		},
	)
	AlertsMatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratealert_alerts_matched_total",
			Help: "Alerts whose condition held against the snapshot.",
		},
	)
	AlertsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_alerts_skipped_total",
			Help: "Matched alerts left pending, by reason.",
		},
		[]string{"reason"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_notifications_total",
			Help: "Notification delivery attempts by result.",
		},
		[]string{"result"},
	)
	AlertDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_alert_deletes_total",
			Help: "Alert retirement attempts by result.",
		},
		[]string{"result"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ratealert_run_duration_seconds",
			Help:    "Wall time of evaluation runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(AlertsEvaluated)
	prometheus.MustRegister(AlertsMatched)
	prometheus.MustRegister(AlertsSkipped)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(AlertDeletes)
	prometheus.MustRegister(RunDuration)
}

// Server serves /metrics from the default registry.
type Server struct {
	srv *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
