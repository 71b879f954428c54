package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksSubmitted    *prometheus.CounterVec
	tasksRejected     *prometheus.CounterVec
	statusReports     prometheus.Counter
	staleReports      prometheus.Counter
	deliveryFailures  prometheus.Counter
	robotsConnected   *prometheus.GaugeVec
	assignmentLatency prometheus.Histogram
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Counter, *prometheus.GaugeVec, prometheus.Histogram) {
	sub := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Number of tasks submitted to the dispatch service",
		},
		[]string{"task_type"},
	)
	rej := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_rejected_total",
			Help: "Number of task submissions rejected",
		},
		[]string{"task_type"},
	)
	rep := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "status_reports_total",
			Help: "Number of robot status reports applied",
		},
	)
	stale := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_status_reports_total",
			Help: "Number of status reports dropped as out of order",
		},
	)
	fail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "assignment_delivery_failures_total",
			Help: "Number of assignments that could not be delivered to a robot",
		},
	)
	conn := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robots_connected",
			Help: "Number of robots currently not offline, per site",
		},
		[]string{"site"},
	)
	lat := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_publish_latency_seconds",
			Help:    "Latency from submission to the decision entering the assignment stream",
			Buckets: prometheus.DefBuckets,
		},
	)
	return sub, rej, rep, stale, fail, conn, lat
}

func init() {
	tasksSubmitted, tasksRejected, statusReports, staleReports, deliveryFailures, robotsConnected, assignmentLatency = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(tasksSubmitted, tasksRejected, statusReports, staleReports, deliveryFailures, robotsConnected, assignmentLatency)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	tasksSubmitted, tasksRejected, statusReports, staleReports, deliveryFailures, robotsConnected, assignmentLatency = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
