package services

import (
	"context"
	"sync"
	"time"

	"rillcall/internal/core/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type statsSource interface {
	GetStats(ctx context.Context) (domain.NetworkMetrics, error)
}

// QualityMonitor samples transport statistics on a fixed interval while the
// call is live and reports each scored sample.
type QualityMonitor struct {
	source   statsSource
	quality  *QualityService
	clock    clock.Clock
	interval time.Duration
	logger   *zap.SugaredLogger

	// active gates sampling; the monitor keeps ticking while it is false.
	active   func() bool
	onSample func(domain.QualitySample)

	mu      sync.RWMutex
	last    domain.QualitySample
	network domain.NetworkStatus
}

func NewQualityMonitor(
	source statsSource,
	quality *QualityService,
	clk clock.Clock,
	interval time.Duration,
	active func() bool,
	onSample func(domain.QualitySample),
	logger *zap.SugaredLogger,
) *QualityMonitor {
	return &QualityMonitor{
		source:   source,
		quality:  quality,
		clock:    clk,
		interval: interval,
		logger:   logger,
		active:   active,
		onSample: onSample,
		last: domain.QualitySample{
			Score: 100,
			Label: domain.QualityGood,
		},
		network: domain.NetworkStable,
	}
}

// Run blocks until ctx is cancelled.
func (m *QualityMonitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.active != nil && !m.active() {
				continue
			}
			if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warnw("failed to sample transport stats",
					"error", err,
				)
			}
		}
	}
}

// Sample takes one statistics reading and scores it.
func (m *QualityMonitor) Sample(ctx context.Context) (domain.QualitySample, error) {
	metrics, err := m.source.GetStats(ctx)
	if err != nil {
		return domain.QualitySample{}, err
	}
	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = m.clock.Now()
	}

	sample := m.quality.Evaluate(metrics)

	m.mu.Lock()
	m.last = sample
	m.mu.Unlock()

	if m.onSample != nil {
		m.onSample(sample)
	}
	return sample, nil
}

// Last returns the latest sample, or an optimistic 100 before the first one.
func (m *QualityMonitor) Last() domain.QualitySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *QualityMonitor) SetNetworkStatus(status domain.NetworkStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network = status
}

func (m *QualityMonitor) NetworkStatus() domain.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}
