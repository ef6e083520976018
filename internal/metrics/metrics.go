// Package metrics exposes Prometheus collectors for jobs, modules and HTTP.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NexusSwitchboard/nexus-core/internal/job"
)

const namespace = "nexus"

// Metrics owns a private registry so several hosts (or tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	modulesActive prometheus.Gauge
	httpRequests  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "runs_total",
				Help:      "Total number of job runs.",
			},
			[]string{"module", "type", "trigger", "success"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "run_duration_seconds",
				Help:      "Duration of job runs.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"module", "type"},
		),
		modulesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_active",
				Help:      "Number of modules in the running table.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "status"},
		),
	}
	m.Registry.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.modulesActive,
		m.httpRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRun implements job.Recorder.
func (m *Metrics) RecordRun(_ context.Context, rec job.RunRecord) {
	if m == nil {
		return
	}
	mod := rec.Module
	if mod == "" {
		mod = "unknown"
	}
	m.jobRuns.WithLabelValues(mod, rec.Type, string(rec.Trigger), strconv.FormatBool(rec.Success)).Inc()
	m.jobDuration.WithLabelValues(mod, rec.Type).Observe(rec.Duration.Seconds())
}

func (m *Metrics) SetModulesActive(n int) {
	if m == nil {
		return
	}
	m.modulesActive.Set(float64(n))
}

// Instrument counts requests by method and status code.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(strings.ToUpper(r.Method), strconv.Itoa(status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
