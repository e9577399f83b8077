// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_cycle_duration_seconds",
			Help:    "Duration of automation runner and repair cycles",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"job"},
	)

	sendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_send_outcomes_total",
			Help: "Per-lead outcomes recorded by the automation runner",
		},
		[]string{"outcome", "reason"},
	)

	repairActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_repair_actions_total",
			Help: "Schedule repairs performed by the queue health monitor",
		},
		[]string{"action"},
	)

	optOuts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_opt_outs_total",
			Help: "Inbound opt-out requests processed",
		},
	)

	overdueLeads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_overdue_leads",
			Help: "Overdue active leads found by the last audit",
		},
	)

	healthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_queue_health_score",
			Help: "Queue health score from the last audit (0-100)",
		},
	)

	activeLeads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_active_leads",
			Help: "Opted-in, unpaused lead schedules",
		},
	)

	automationDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_disabled",
			Help: "1 while the emergency kill switch blocks sends",
		},
	)
)

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(statusOf(ww))).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusOf treats a handler that never called WriteHeader as 200.
func statusOf(ww middleware.WrapResponseWriter) int {
	if st := ww.Status(); st != 0 {
		return st
	}
	return http.StatusOK
}

func ObserveCycle(job string, d time.Duration) {
	cycleDuration.WithLabelValues(job).Observe(d.Seconds())
}

func RecordOutcome(outcome, reason string) {
	sendOutcomes.WithLabelValues(outcome, reason).Inc()
}

func RecordRepair(action string, n int) {
	repairActions.WithLabelValues(action).Add(float64(n))
}

func RecordOptOut() {
	optOuts.Inc()
}

func SetQueueHealth(overdue, score int) {
	overdueLeads.Set(float64(overdue))
	healthScore.Set(float64(score))
}

func SetActiveLeads(n int) {
	activeLeads.Set(float64(n))
}

func SetAutomationDisabled(disabled bool) {
	if disabled {
		automationDisabled.Set(1)
		return
	}
	automationDisabled.Set(0)
}
