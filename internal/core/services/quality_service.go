package services

import (
	"math"
	"time"

	"rillcall/internal/core/domain"
)

// QualityWeights controls how much each metric contributes to the score.
// Weights are normalised at construction so any positive set works.
type QualityWeights struct {
	PacketLoss float64
	Jitter     float64
	Latency    float64
	Bitrate    float64
}

func DefaultQualityWeights() QualityWeights {
	return QualityWeights{
		PacketLoss: 0.35,
		Jitter:     0.15,
		Latency:    0.25,
		Bitrate:    0.25,
	}
}

// QualityService turns transport statistics into a 0-100 score and a label.
//
// Every input maps through a strictly monotonic sub-score of the form
// 1/(1+x/ref) (or b/(b+ref) for bitrate), so the weighted sum is monotonic
// in each dimension and never leaves [0,1] before scaling. Without a
// bandwidth estimate the bitrate term is dropped and the other weights
// are rescaled to sum to one.
type QualityService struct {
	weights QualityWeights

	lossRef    float64
	jitterRef  time.Duration
	latencyRef time.Duration
	bitrateRef int // kbps

	poorBelow float64
	fairBelow float64
}

func NewQualityService() *QualityService {
	return NewQualityServiceWithWeights(DefaultQualityWeights())
}

func NewQualityServiceWithWeights(w QualityWeights) *QualityService {
	total := w.PacketLoss + w.Jitter + w.Latency + w.Bitrate
	if total <= 0 {
		w = DefaultQualityWeights()
		total = 1
	}
	return &QualityService{
		weights: QualityWeights{
			PacketLoss: w.PacketLoss / total,
			Jitter:     w.Jitter / total,
			Latency:    w.Latency / total,
			Bitrate:    w.Bitrate / total,
		},
		lossRef:    0.02,
		jitterRef:  30 * time.Millisecond,
		latencyRef: 150 * time.Millisecond,
		bitrateRef: 500,
		poorBelow:  50,
		fairBelow:  75,
	}
}

// Score computes the bounded quality score for one sample.
func (qs *QualityService) Score(metrics domain.NetworkMetrics) float64 {
	loss := clampFloat(metrics.PacketLoss, 0, 1)
	jitter := math.Max(0, float64(metrics.Jitter))
	latency := math.Max(0, float64(metrics.Latency))
	bitrate := math.Max(0, float64(metrics.AvailableBitrate))

	sLoss := 1 / (1 + loss/qs.lossRef)
	sJitter := 1 / (1 + jitter/float64(qs.jitterRef))
	sLatency := 1 / (1 + latency/float64(qs.latencyRef))
	sBitrate := bitrate / (bitrate + float64(qs.bitrateRef))

	w := qs.weights
	weighted := w.PacketLoss*sLoss + w.Jitter*sJitter + w.Latency*sLatency
	total := w.PacketLoss + w.Jitter + w.Latency
	if metrics.HasBitrate {
		weighted += w.Bitrate * sBitrate
		total += w.Bitrate
	}
	if total <= 0 {
		return 0
	}

	return clampFloat(100*weighted/total, 0, 100)
}

func (qs *QualityService) Label(score float64) domain.QualityLabel {
	switch {
	case score < qs.poorBelow:
		return domain.QualityPoor
	case score < qs.fairBelow:
		return domain.QualityFair
	default:
		return domain.QualityGood
	}
}

// Evaluate scores metrics and stamps the sample.
func (qs *QualityService) Evaluate(metrics domain.NetworkMetrics) domain.QualitySample {
	score := qs.Score(metrics)
	return domain.QualitySample{
		Score:     score,
		Label:     qs.Label(score),
		Metrics:   metrics,
		Timestamp: metrics.Timestamp,
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
