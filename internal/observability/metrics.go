package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the streaming core.
type Metrics struct {
	registry *prometheus.Registry

	downloadedBytes   prometheus.Counter
	downloadSeconds   prometheus.Counter
	connectionsOpened prometheus.Counter
	connectionsReused prometheus.Counter
	chunkFailures     prometheus.Counter
	commandsApplied   *prometheus.CounterVec
	commandsDropped   prometheus.Counter
	demuxerRestarts   prometheus.Counter
	switches          prometheus.Counter

	bpsAverage  prometheus.Gauge
	bpsCurrent  prometheus.Gauge
	bpsUsed     prometheus.Gauge
	bufferLevel prometheus.Gauge

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_downloaded_bytes_total",
			Help: "Total segment bytes transferred from origins",
		}),
		downloadSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_download_seconds_total",
			Help: "Total time spent transferring segment bytes",
		}),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_connections_opened_total",
			Help: "Persistent connections created by the connection manager",
		}),
		connectionsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_connections_reused_total",
			Help: "Pooled connections handed out again",
		}),
		chunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_chunk_failures_total",
			Help: "Chunks that ended before their expected length",
		}),
		commandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrcore_commands_applied_total",
			Help: "Output commands applied to the player, by type",
		}, []string{"type"}),
		commandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_commands_dropped_total",
			Help: "Output commands discarded by drop mode or abort",
		}),
		demuxerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_demuxer_restarts_total",
			Help: "Demuxer restarts caused by seeks or representation switches",
		}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_representation_switches_total",
			Help: "Representation switches decided by the adaptation logic",
		}),
		bpsAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abrcore_bandwidth_average_bps",
			Help: "Smoothed bandwidth estimate",
		}),
		bpsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abrcore_bandwidth_usable_bps",
			Help: "Conservative usable bandwidth estimate",
		}),
		bpsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abrcore_bandwidth_reserved_bps",
			Help: "Bandwidth reserved by active representations",
		}),
		bufferLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abrcore_buffered_seconds",
			Help: "Demuxed media waiting in the command queue",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrcore_api_requests_total",
			Help: "Status API requests, by route and status code",
		}, []string{"method", "route", "code"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abrcore_api_request_duration_seconds",
			Help:    "Status API request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.downloadedBytes,
		m.downloadSeconds,
		m.connectionsOpened,
		m.connectionsReused,
		m.chunkFailures,
		m.commandsApplied,
		m.commandsDropped,
		m.demuxerRestarts,
		m.switches,
		m.bpsAverage,
		m.bpsCurrent,
		m.bpsUsed,
		m.bufferLevel,
		m.apiRequests,
		m.apiLatency,
	)

	return m
}

// ObserveDownload records a transfer observation.
func (m *Metrics) ObserveDownload(bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	if bytes > 0 {
		m.downloadedBytes.Add(float64(bytes))
	}
	if elapsed > 0 {
		m.downloadSeconds.Add(elapsed.Seconds())
	}
}

// IncConnectionsOpened increments the opened connections counter.
func (m *Metrics) IncConnectionsOpened() {
	if m != nil {
		m.connectionsOpened.Inc()
	}
}

// IncConnectionsReused increments the reused connections counter.
func (m *Metrics) IncConnectionsReused() {
	if m != nil {
		m.connectionsReused.Inc()
	}
}

// IncChunkFailures increments the truncated chunk counter.
func (m *Metrics) IncChunkFailures() {
	if m != nil {
		m.chunkFailures.Inc()
	}
}

// IncCommandsApplied increments the applied command counter for a command type.
func (m *Metrics) IncCommandsApplied(kind string) {
	if m != nil {
		m.commandsApplied.WithLabelValues(kind).Inc()
	}
}

// AddCommandsDropped adds to the dropped command counter.
func (m *Metrics) AddCommandsDropped(n int) {
	if m != nil && n > 0 {
		m.commandsDropped.Add(float64(n))
	}
}

// IncDemuxerRestarts increments the demuxer restart counter.
func (m *Metrics) IncDemuxerRestarts() {
	if m != nil {
		m.demuxerRestarts.Inc()
	}
}

// IncSwitches increments the representation switch counter.
func (m *Metrics) IncSwitches() {
	if m != nil {
		m.switches.Inc()
	}
}

// SetBandwidth publishes the adaptation logic estimates.
func (m *Metrics) SetBandwidth(average, usable, reserved uint64) {
	if m == nil {
		return
	}
	m.bpsAverage.Set(float64(average))
	m.bpsCurrent.Set(float64(usable))
	m.bpsUsed.Set(float64(reserved))
}

// SetBufferLevel publishes the amount of queued media.
func (m *Metrics) SetBufferLevel(d time.Duration) {
	if m != nil {
		m.bufferLevel.Set(d.Seconds())
	}
}

// ObserveAPIRequest records one served status API request.
func (m *Metrics) ObserveAPIRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
