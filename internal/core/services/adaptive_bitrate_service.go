package services

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ABRConfig tunes the outbound video bitrate controller.
type ABRConfig struct {
	MinBitrate     int // bps
	MaxBitrate     int // bps
	StartBitrate   int // bps
	DowngradeBelow float64
	UpgradeAbove   float64
	DownFactor     float64
	UpFactor       float64
	// ConsecutiveSamples a score must persist past a threshold before acting.
	ConsecutiveSamples int
}

func DefaultABRConfig() ABRConfig {
	return ABRConfig{
		MinBitrate:         150_000,
		MaxBitrate:         2_500_000,
		StartBitrate:       1_000_000,
		DowngradeBelow:     60,
		UpgradeAbove:       80,
		DownFactor:         0.7,
		UpFactor:           1.15,
		ConsecutiveSamples: 2,
	}
}

type bitrateSnapshot struct {
	Bitrate   int
	Score     float64
	Timestamp time.Time
}

// AdaptiveBitrateService decides the outbound video target bitrate of one
// session from its quality score stream. Steps down fast, climbs slowly,
// and never reacts to a single sample.
type AdaptiveBitrateService struct {
	cfg    ABRConfig
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu         sync.Mutex
	target     int
	belowCount int
	aboveCount int
	history    []bitrateSnapshot
}

func NewAdaptiveBitrateService(cfg ABRConfig, clk clock.Clock, logger *zap.SugaredLogger) *AdaptiveBitrateService {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.ConsecutiveSamples < 2 {
		cfg.ConsecutiveSamples = 2
	}
	if cfg.MinBitrate <= 0 {
		cfg.MinBitrate = DefaultABRConfig().MinBitrate
	}
	if cfg.MaxBitrate < cfg.MinBitrate {
		cfg.MaxBitrate = cfg.MinBitrate
	}
	start := cfg.StartBitrate
	if start <= 0 {
		start = DefaultABRConfig().StartBitrate
	}
	start = min(max(start, cfg.MinBitrate), cfg.MaxBitrate)
	return &AdaptiveBitrateService{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		target: start,
	}
}

// Observe feeds one score and returns the target bitrate and whether it moved.
func (a *AdaptiveBitrateService) Observe(score float64) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case score < a.cfg.DowngradeBelow:
		a.belowCount++
		a.aboveCount = 0
	case score > a.cfg.UpgradeAbove:
		a.aboveCount++
		a.belowCount = 0
	default:
		a.belowCount = 0
		a.aboveCount = 0
		return a.target, false
	}

	previous := a.target
	if a.belowCount >= a.cfg.ConsecutiveSamples {
		a.target = max(a.cfg.MinBitrate, int(float64(a.target)*a.cfg.DownFactor))
		a.belowCount = 0
	} else if a.aboveCount >= a.cfg.ConsecutiveSamples {
		a.target = min(a.cfg.MaxBitrate, int(float64(a.target)*a.cfg.UpFactor))
		a.aboveCount = 0
	}

	if a.target == previous {
		return a.target, false
	}

	a.history = append(a.history, bitrateSnapshot{
		Bitrate:   a.target,
		Score:     score,
		Timestamp: a.clock.Now(),
	})
	// Keep only last 100 snapshots
	if len(a.history) > 100 {
		a.history = a.history[len(a.history)-100:]
	}

	if a.logger != nil {
		a.logger.Infow("video bitrate target changed",
			"from", previous,
			"to", a.target,
			"score", score,
		)
	}
	return a.target, true
}

// Target returns the current outbound video bitrate target.
func (a *AdaptiveBitrateService) Target() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// History returns the bitrate changes made so far.
func (a *AdaptiveBitrateService) History() []bitrateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	history := make([]bitrateSnapshot, len(a.history))
	copy(history, a.history)
	return history
}
