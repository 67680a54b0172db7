package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arena"

type arenaMetrics struct {
	admissions       *prometheus.CounterVec
	admissionLatency *prometheus.HistogramVec
	brackets         *prometheus.CounterVec
	expired          prometheus.Counter
	sinkFailures     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
}

var (
	arenaMetricsOnce sync.Once
	arenaRegistry    *arenaMetrics
)

// Arena returns the process-wide metrics registry.
func Arena() *arenaMetrics {
	arenaMetricsOnce.Do(func() {
		arenaRegistry = &arenaMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "results_total",
				Help:      "Entry admission results segmented by outcome and response code.",
			}, []string{"outcome", "code"}),
			admissionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "duration_seconds",
				Help:      "Latency of entry admission units of work.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			brackets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bracket",
				Name:      "builds_total",
				Help:      "Bracket build attempts segmented by result code.",
			}, []string{"code"}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "expired_total",
				Help:      "Pending payment authorizations expired by the sweeper.",
			}),
			sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "sink_failures_total",
				Help:      "Post-commit sink failures segmented by sink.",
			}, []string{"sink"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route pattern and status code.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			arenaRegistry.admissions,
			arenaRegistry.admissionLatency,
			arenaRegistry.brackets,
			arenaRegistry.expired,
			arenaRegistry.sinkFailures,
			arenaRegistry.httpRequests,
		)
	})
	return arenaRegistry
}

// ObserveAdmission records one admission attempt. code is empty for entered outcomes.
func (m *arenaMetrics) ObserveAdmission(outcome, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome = label(outcome)
	if code == "" {
		code = "ok"
	}
	m.admissions.WithLabelValues(outcome, code).Inc()
	m.admissionLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *arenaMetrics) RecordBracketBuild(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.brackets.WithLabelValues(code).Inc()
}

func (m *arenaMetrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *arenaMetrics) RecordSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(label(sink)).Inc()
}

func (m *arenaMetrics) RecordHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
