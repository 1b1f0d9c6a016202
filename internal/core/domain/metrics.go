package domain

import "time"

// NetworkMetrics is one transport statistics sample.
type NetworkMetrics struct {
	Timestamp        time.Time
	PacketLoss       float64 // fraction 0..1
	Latency          time.Duration
	Jitter           time.Duration
	AvailableBitrate int // kbps
	BytesSent        uint64
	BytesReceived    uint64
	// HasBitrate is false when no bandwidth estimate exists, as on audio
	// calls without a congestion controller.
	HasBitrate bool
}

type QualitySample struct {
	Score     float64
	Label     QualityLabel
	Metrics   NetworkMetrics
	Timestamp time.Time
}
