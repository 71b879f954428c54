package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/robofleet/tower/core/metrics"
)

// PromSink records assignment events in Prometheus metrics.
type PromSink struct {
	assignments *prometheus.CounterVec
	score       *prometheus.HistogramVec
	fleet       *prometheus.GaugeVec
}

// NewPromSink registers assignment metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(cfg coremetrics.Config, reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_events_total",
		Help: "Total number of task assignment events",
	}, []string{"site", "task_type", "priority"})
	score := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assignment_score",
		Help:    "Selection score of the robot chosen for each task",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"site", "task_type"})
	fleet := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_connected_robots",
		Help: "Number of robots currently connected per site",
	}, []string{"site"})

	if err := reg.Register(assignments); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			assignments = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(score); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			score = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(fleet); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			fleet = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{assignments: assignments, score: score, fleet: fleet}, nil
}

// RecordAssignment increments the counter and observes the score for each record.
func (s *PromSink) RecordAssignment(records []coremetrics.AssignmentRecord) error {
	for _, r := range records {
		s.assignments.WithLabelValues(r.Site, r.Type.String(), r.Priority.String()).Inc()
		s.score.WithLabelValues(r.Site, r.Type.String()).Observe(r.Score)
	}
	return nil
}

// RecordFleetSize sets the gauge for the number of connected robots.
func (s *PromSink) RecordFleetSize(site string, n int) error {
	if s.fleet != nil {
		s.fleet.WithLabelValues(site).Set(float64(n))
	}
	return nil
}

// StartPromServer starts an HTTP server exposing Prometheus metrics on the given address.
// The server runs until the provided context is canceled.
// A dedicated ServeMux is used to avoid interfering with other handlers.
func StartPromServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("prom server shutdown: %v", err)
		}
		cancel()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
