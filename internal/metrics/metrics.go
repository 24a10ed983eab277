// Package metrics exposes Prometheus collectors for the refund ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements refunds.Recorder and instruments HTTP handlers.
type Metrics struct {
	Resolutions   *prometheus.CounterVec
	SkippedEvents *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	FilterScanned prometheus.Histogram
	FilterMatched prometheus.Histogram
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refund_status_resolutions_total",
				Help: "Point-in-time status resolutions, by whether the ledger knew the answer",
			},
			[]string{"known"},
		),
		SkippedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refund_ledger_skipped_events_total",
				Help: "Status history records excluded from evaluation",
			},
			[]string{"reason"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refund_transitions_total",
				Help: "Transition requests by outcome and force flag",
			},
			[]string{"outcome", "forced"},
		),
		FilterScanned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refund_history_filter_scanned",
				Help:    "Refunds evaluated per historical status filter",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		FilterMatched: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refund_history_filter_matched",
				Help:    "Refunds returned per historical status filter",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refunds_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refunds_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	reg.MustRegister(
		m.Resolutions,
		m.SkippedEvents,
		m.Transitions,
		m.FilterScanned,
		m.FilterMatched,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) ObserveResolution(known bool) {
	m.Resolutions.WithLabelValues(strconv.FormatBool(known)).Inc()
}

func (m *Metrics) ObserveSkipped(reason string, n int) {
	m.SkippedEvents.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveTransition(outcome string, forced bool) {
	m.Transitions.WithLabelValues(outcome, strconv.FormatBool(forced)).Inc()
}

func (m *Metrics) ObserveFilter(scanned, matched int) {
	m.FilterScanned.Observe(float64(scanned))
	m.FilterMatched.Observe(float64(matched))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
