package monitoring

import (
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector turns call events and relay traffic into metrics.
type PrometheusCollector struct {
	// Calls
	callsActive       prometheus.Gauge
	callsFinished     *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec
	iceRestarts       prometheus.Counter
	bitrateChanges    prometheus.Counter
	remoteTracks      *prometheus.CounterVec
	connectedDuration prometheus.Histogram
	setupDuration     prometheus.Histogram

	// Quality
	qualityScore  prometheus.Histogram
	networkRTT    prometheus.Histogram
	packetLoss    prometheus.Histogram
	targetBitrate prometheus.Histogram

	// Relay
	relayConnections prometheus.Gauge
	relayMessages    *prometheus.CounterVec

	mu    sync.Mutex
	calls map[domain.CallID]*callTimes
}

type callTimes struct {
	started   time.Time
	connected time.Time
}

var (
	_ ports.CallEventSink = (*PrometheusCollector)(nil)
	_ signal.Metrics      = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers its metrics with reg; nil means the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_calls_active",
			Help: "Number of call sessions that have not closed yet",
		}),

		callsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_calls_finished_total",
			Help: "Finished calls by direction, media kind and final state",
		}, []string{"direction", "media_kind", "final_state"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_call_state_transitions_total",
			Help: "Call state machine transitions",
		}, []string{"from", "to"}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcall_ice_restarts_total",
			Help: "ICE restarts initiated by this node",
		}),

		bitrateChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcall_bitrate_adjustments_total",
			Help: "Adaptive bitrate target changes",
		}),

		remoteTracks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_remote_tracks_total",
			Help: "Remote tracks received by kind",
		}, []string{"kind"}),

		connectedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_call_connected_duration_seconds",
			Help:    "Time calls spent connected",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		setupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_call_setup_duration_seconds",
			Help:    "Time from call start to first connection",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}),

		qualityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_quality_score",
			Help:    "Call quality scores (0-100)",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),

		networkRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_network_rtt_seconds",
			Help:    "Round trip time measured on the selected candidate pair",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1},
		}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_packet_loss_ratio",
			Help:    "Inbound packet loss per sampling interval",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2},
		}),

		targetBitrate: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_target_bitrate_bps",
			Help:    "Video bitrate targets chosen by adaptive bitrate",
			Buckets: prometheus.ExponentialBuckets(150_000, 1.5, 8),
		}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_relay_connections",
			Help: "Peers connected to this relay",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_relay_messages_total",
			Help: "Signal messages handled by the relay by type and outcome",
		}, []string{"type", "outcome"}),

		calls: make(map[domain.CallID]*callTimes),
	}
}

func (p *PrometheusCollector) Publish(event domain.CallEvent) {
	switch event.Type {
	case domain.EventStateChanged:
		p.recordState(event)
	case domain.EventClosed:
		p.recordClosed(event)
	case domain.EventQualityUpdated:
		if q := event.Quality; q != nil {
			p.qualityScore.Observe(q.Score)
			p.networkRTT.Observe(q.Metrics.Latency.Seconds())
			p.packetLoss.Observe(q.Metrics.PacketLoss)
		}
	case domain.EventRestart:
		p.iceRestarts.Inc()
	case domain.EventBitrateChanged:
		p.bitrateChanges.Inc()
		p.targetBitrate.Observe(float64(event.Bitrate))
	case domain.EventRemoteTrack:
		p.remoteTracks.WithLabelValues(event.Reason).Inc()
	}
}

func (p *PrometheusCollector) recordState(event domain.CallEvent) {
	p.stateTransitions.WithLabelValues(string(event.Previous), string(event.State)).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	times, tracked := p.calls[event.CallID]
	if !tracked {
		times = &callTimes{started: event.Timestamp}
		p.calls[event.CallID] = times
		p.callsActive.Inc()
	}
	if event.State == domain.StateConnected && times.connected.IsZero() {
		times.connected = event.Timestamp
		p.setupDuration.Observe(event.Timestamp.Sub(times.started).Seconds())
	}
}

func (p *PrometheusCollector) recordClosed(event domain.CallEvent) {
	p.callsFinished.WithLabelValues(
		string(event.Direction),
		string(event.MediaKind),
		string(event.State),
	).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	times, tracked := p.calls[event.CallID]
	if !tracked {
		return
	}
	delete(p.calls, event.CallID)
	p.callsActive.Dec()
	if !times.connected.IsZero() {
		p.connectedDuration.Observe(event.Timestamp.Sub(times.connected).Seconds())
	}
}

func (p *PrometheusCollector) RelayConnectionsChanged(delta int) {
	p.relayConnections.Add(float64(delta))
}

func (p *PrometheusCollector) RelayMessage(msgType domain.MessageType, outcome string) {
	p.relayMessages.WithLabelValues(string(msgType), outcome).Inc()
}
