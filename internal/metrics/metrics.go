// Package metrics exposes the service's Prometheus instruments on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "materialai"

// Analysis outcomes used as the status label.
const (
	StatusOK      = "ok"
	StatusInvalid = "invalid"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	analyses        *prometheus.CounterVec
	scoringDuration *prometheus.HistogramVec
	scoringRetries  prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	feedback        prometheus.Counter
	exports         *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auto := promauto.With(reg)

	return &Metrics{
		registry: reg,
		analyses: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Sample analyses by outcome.",
		}, []string{"status"}),
		scoringDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Time spent in the scoring backend per attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend"}),
		scoringRetries: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_retries_total",
			Help:      "Scoring attempts retried after a timeout.",
		}),
		cacheLookups: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_cache_lookups_total",
			Help:      "Score cache lookups by result.",
		}, []string{"result"}),
		feedback: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_submissions_total",
			Help:      "Accepted expert feedback submissions.",
		}),
		exports: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Exports by format.",
		}, []string{"format"}),
		httpRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpRequestDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AnalysisCompleted(status string) {
	m.analyses.WithLabelValues(status).Inc()
}

func (m *Metrics) ScoringAttempt(backend string, d time.Duration) {
	m.scoringDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) ScoringRetried() {
	m.scoringRetries.Inc()
}

// CacheResult satisfies scorecache.Recorder.
func (m *Metrics) CacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedbackSubmitted() {
	m.feedback.Inc()
}

func (m *Metrics) Exported(format string) {
	m.exports.WithLabelValues(format).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
