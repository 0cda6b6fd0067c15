// ABOUTME: Prometheus metrics for the streamer and player
// ABOUTME: Each process gets a private registry, and every recorder is safe on a nil receiver
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audera"

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Streamer
	framesCaptured prometheus.Counter
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	players        *prometheus.GaugeVec
	syncOffset     *prometheus.GaugeVec
	syncRTT        *prometheus.HistogramVec
	syncFailures   *prometheus.CounterVec
	encodeDuration prometheus.Histogram

	// Player
	ingested     *prometheus.CounterVec
	released     *prometheus.CounterVec
	bufferDepth  prometheus.Gauge
	bufferTarget prometheus.Gauge
	clockOffset  prometheus.Gauge
	clockRTT     prometheus.Gauge
	connections  prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Audio frames read from the source",
		}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Audio frames written to a player",
		}, []string{"player"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped before reaching a player",
		}, []string{"player", "reason"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "player_evictions_total",
			Help:      "Players removed from the broadcast",
		}, []string{"reason"}),
		players: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players",
			Help:      "Known players by lifecycle state",
		}, []string{"state"}),
		syncOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_offset_microseconds",
			Help:      "Last smoothed clock offset per player",
		}, []string{"player"}),
		syncRTT: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_rtt_seconds",
			Help:      "Round trip time of clock sync exchanges",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"player"}),
		syncFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Clock synchronizations that did not converge",
		}, []string{"player"}),
		encodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_duration_seconds",
			Help:      "Time to encode one captured frame",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 10),
		}),

		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_ingested_total",
			Help:      "Frames received by the player by ingest result",
		}, []string{"result"}),
		released: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_released_total",
			Help:      "Buffer releases by kind",
		}, []string{"kind"}),
		bufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_depth_frames",
			Help:      "Frames waiting in the receive buffer",
		}),
		bufferTarget: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_target_seconds",
			Help:      "Adaptive buffer target",
		}),
		clockOffset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_microseconds",
			Help:      "Smoothed offset to the streamer clock",
		}),
		clockRTT: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_rtt_microseconds",
			Help:      "Last accepted sync round trip",
		}),
		connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamer_connections_total",
			Help:      "Streamer connections accepted by the player",
		}),
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
}

func (m *Metrics) ObserveEncode(d time.Duration) {
	if m == nil {
		return
	}
	m.encodeDuration.Observe(d.Seconds())
}

func (m *Metrics) FrameSent(player string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(player).Inc()
}

func (m *Metrics) FrameDropped(player, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(player, reason).Inc()
}

func (m *Metrics) PlayerEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// SetPlayers replaces the per-state player gauges.
func (m *Metrics) SetPlayers(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.players.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) ObserveSync(player string, offsetMicros float64, rtt time.Duration) {
	if m == nil {
		return
	}
	m.syncOffset.WithLabelValues(player).Set(offsetMicros)
	m.syncRTT.WithLabelValues(player).Observe(rtt.Seconds())
}

func (m *Metrics) SyncFailed(player string) {
	if m == nil {
		return
	}
	m.syncFailures.WithLabelValues(player).Inc()
}

// ForgetPlayer drops the per-player series of a pruned player.
func (m *Metrics) ForgetPlayer(player string) {
	if m == nil {
		return
	}
	m.framesSent.DeleteLabelValues(player)
	m.framesDropped.DeletePartialMatch(prometheus.Labels{"player": player})
	m.syncOffset.DeleteLabelValues(player)
	m.syncRTT.DeleteLabelValues(player)
	m.syncFailures.DeleteLabelValues(player)
}

func (m *Metrics) FrameIngested(result string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(result).Inc()
}

func (m *Metrics) FrameReleased(kind string) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Set(float64(n))
}

func (m *Metrics) SetBufferTarget(d time.Duration) {
	if m == nil {
		return
	}
	m.bufferTarget.Set(d.Seconds())
}

func (m *Metrics) SetClock(offsetMicros float64, rttMicros int64) {
	if m == nil {
		return
	}
	m.clockOffset.Set(offsetMicros)
	m.clockRTT.Set(float64(rttMicros))
}

func (m *Metrics) StreamerConnected() {
	if m == nil {
		return
	}
	m.connections.Inc()
}
