package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swing-cam/launchmonitor"
)

type MetricsProviderInterface interface {
	launchmonitor.Metrics
	IncRequestsTotal(route string, status int)
	ObserveRequestDuration(route string, duration time.Duration)
	SetStorageUsed(bytes int64)
	IncClipsPruned(n int)
	Handler() http.Handler
}

type MetricsProvider struct {
	registry           *prometheus.Registry
	commandsTotal      *prometheus.CounterVec
	state              *prometheus.GaugeVec
	extractionDuration prometheus.Histogram
	extractionsTotal   *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	storageUsed        prometheus.Gauge
	clipsPruned        prometheus.Counter
}

func (m *MetricsProvider) Command(name, result string) {
	m.commandsTotal.WithLabelValues(name, result).Inc()
}

func (m *MetricsProvider) State(state launchmonitor.State) {
	for _, s := range []launchmonitor.State{launchmonitor.StateIdle, launchmonitor.StateArmed, launchmonitor.StateProcessing} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

func (m *MetricsProvider) Extraction(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.extractionDuration.Observe(elapsed.Seconds())
	m.extractionsTotal.WithLabelValues(result).Inc()
}

func (m *MetricsProvider) IncRequestsTotal(route string, status int) {
	m.requestsTotal.WithLabelValues(route, httpStatusBucket(status)).Inc()
}

func (m *MetricsProvider) ObserveRequestDuration(route string, duration time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *MetricsProvider) SetStorageUsed(bytes int64) {
	m.storageUsed.Set(float64(bytes))
}

func (m *MetricsProvider) IncClipsPruned(n int) {
	m.clipsPruned.Add(float64(n))
}

func (m *MetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// NewMetricsProvider registers the collectors on their own registry so a
// second provider (tests, restarts) never collides with the first.
func NewMetricsProvider(conf *Config) MetricsProviderInterface {
	if !conf.MetricsEnabled {
		return &noopMetrics{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &MetricsProvider{
		registry: reg,

		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swingcam_commands_total",
			Help: "Launch monitor commands by result",
		}, []string{"command", "result"}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swingcam_state",
			Help: "1 for the current launch monitor state",
		}, []string{"state"}),

		extractionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "swingcam_extraction_duration_seconds",
			Help:    "Time to cut a clip out of the rolling buffer",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		extractionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swingcam_extractions_total",
			Help: "Finished extractions by result",
		}, []string{"result"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swingcam_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swingcam_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		storageUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swingcam_storage_used_bytes",
			Help: "Bytes used by clips in the data directory",
		}),

		clipsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "swingcam_clips_pruned_total",
			Help: "Clips deleted to stay under the storage cap",
		}),
	}
}

// noopMetrics is a no-op implementation for when metrics are disabled.
type noopMetrics struct {
	launchmonitor.NoopMetrics
}

func (n *noopMetrics) IncRequestsTotal(_ string, _ int)                 {}
func (n *noopMetrics) ObserveRequestDuration(_ string, _ time.Duration) {}
func (n *noopMetrics) SetStorageUsed(_ int64)                           {}
func (n *noopMetrics) IncClipsPruned(_ int)                             {}
func (n *noopMetrics) Handler() http.Handler                            { return http.NotFoundHandler() }
