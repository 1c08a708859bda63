package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Stream clients
	ActiveClients    atomic.Int64
	TotalClients     atomic.Uint64
	RejectedClients  atomic.Uint64
	ClientIOErrors   atomic.Uint64
	AcceptErrors     atomic.Uint64
	FramesSent       atomic.Uint64
	BytesSent        atomic.Uint64
	ServerListening  atomic.Uint64 // 0 = stopped, 1 = listening

	// Frame cache
	FramesPublished   atomic.Uint64
	FramesOverwritten atomic.Uint64 // replaced before any client read them

	// Producer lifecycle
	ProducerActive        atomic.Uint64 // 0 = idle, 1 = active
	ProducerStarts        atomic.Uint64
	ProducerStops         atomic.Uint64
	ProducerStartFailures atomic.Uint64
	IdleTimersScheduled   atomic.Uint64
	IdleTimersFired       atomic.Uint64
	IdleTimersCancelled   atomic.Uint64
	DeviceSwitches        atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func counterFunc(name, help string, v *atomic.Uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	)
}

func gaugeFunc(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	)
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// Stream clients
		gaugeFunc("ipcam_stream_active_clients", "Number of connected stream clients",
			func() float64 { return float64(m.ActiveClients.Load()) }),
		counterFunc("ipcam_stream_clients_total", "Total stream clients accepted", &m.TotalClients),
		counterFunc("ipcam_stream_clients_rejected_total", "Stream clients rejected over the client limit", &m.RejectedClients),
		counterFunc("ipcam_stream_client_io_errors_total", "Stream connections ended by an I/O error", &m.ClientIOErrors),
		counterFunc("ipcam_stream_accept_errors_total", "Non-fatal accept errors", &m.AcceptErrors),
		counterFunc("ipcam_stream_frames_sent_total", "Frames written to stream clients", &m.FramesSent),
		counterFunc("ipcam_stream_bytes_sent_total", "JPEG bytes written to stream clients", &m.BytesSent),
		gaugeFunc("ipcam_stream_listening", "Stream listener state (0=stopped, 1=listening)",
			func() float64 { return float64(m.ServerListening.Load()) }),

		// Frame cache
		counterFunc("ipcam_frames_published_total", "Frames published into the frame cache", &m.FramesPublished),
		counterFunc("ipcam_frames_overwritten_total", "Frames replaced before any client read them", &m.FramesOverwritten),

		// Producer lifecycle
		gaugeFunc("ipcam_producer_active", "Frame source state (0=idle, 1=active)",
			func() float64 { return float64(m.ProducerActive.Load()) }),
		counterFunc("ipcam_producer_starts_total", "Successful frame source starts", &m.ProducerStarts),
		counterFunc("ipcam_producer_stops_total", "Frame source stops", &m.ProducerStops),
		counterFunc("ipcam_producer_start_failures_total", "Failed frame source starts", &m.ProducerStartFailures),
		counterFunc("ipcam_idle_timers_scheduled_total", "Idle shutdown timers scheduled", &m.IdleTimersScheduled),
		counterFunc("ipcam_idle_timers_fired_total", "Idle shutdown timers that stopped the producer", &m.IdleTimersFired),
		counterFunc("ipcam_idle_timers_cancelled_total", "Idle shutdown timers cancelled by a reconnect", &m.IdleTimersCancelled),
		counterFunc("ipcam_device_switches_total", "Device changes that restarted the producer", &m.DeviceSwitches),
	)
}

// ClientConnected updates the client gauges for a newly accepted client.
func (m *Metrics) ClientConnected() {
	m.TotalClients.Add(1)
	m.ActiveClients.Add(1)
}

// ClientDisconnected decrements the active client gauge.
func (m *Metrics) ClientDisconnected() {
	m.ActiveClients.Add(-1)
}

// FrameSent records one chunk written to a client.
func (m *Metrics) FrameSent(n int) {
	m.FramesSent.Add(1)
	m.BytesSent.Add(uint64(n))
}

// SetProducerActive records the producer state.
func (m *Metrics) SetProducerActive(active bool) {
	m.ProducerActive.Store(boolToUint(active))
}

// SetListening records the listener state.
func (m *Metrics) SetListening(listening bool) {
	m.ServerListening.Store(boolToUint(listening))
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolToUint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
