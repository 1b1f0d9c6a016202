package services

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RestartPolicy bounds consecutive ICE restarts of one session.
type RestartPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the backoff randomization factor in [0,1].
	Jitter float64
	// AnswerTimeout bounds the wait for the answer to a restart offer.
	// An unanswered restart counts as another failure.
	AnswerTimeout time.Duration
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		Jitter:         0.2,
		AnswerTimeout:  10 * time.Second,
	}
}

// restartTarget is the session side of the restart cycle.
type restartTarget interface {
	// restartICE sends the ice-restart-request followed by a restart offer.
	restartICE(reason string, attempt int)
	// restartsExhausted ends the session once the policy gives up.
	restartsExhausted(attempts int)
}

// ReconnectionController turns transport failures and network changes into
// ICE restarts. The first restart after a healthy period runs immediately;
// consecutive ones are spaced by exponential backoff and capped.
type ReconnectionController struct {
	target restartTarget
	policy RestartPolicy
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	attempts int
	total    int
	backoff  *backoff.ExponentialBackOff
	pending  *clock.Timer
	stopped  bool
}

func NewReconnectionController(target restartTarget, policy RestartPolicy, clk clock.Clock, logger *zap.SugaredLogger) *ReconnectionController {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRestartPolicy().MaxAttempts
	}
	if policy.AnswerTimeout <= 0 {
		policy.AnswerTimeout = DefaultRestartPolicy().AnswerTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.MaxInterval = policy.MaxBackoff
	b.RandomizationFactor = policy.Jitter
	b.MaxElapsedTime = 0 // attempts are capped instead
	b.Clock = clk
	b.Reset()

	return &ReconnectionController{
		target:  target,
		policy:  policy,
		clock:   clk,
		logger:  logger,
		backoff: b,
	}
}

// OnTransportFailed handles a failed connectivity report.
func (c *ReconnectionController) OnTransportFailed() {
	c.schedule("transport-failed")
}

// OnNetworkChange handles an externally reported network path change.
func (c *ReconnectionController) OnNetworkChange(reason string) {
	c.schedule("network-change: " + reason)
}

// OnConnected resets the attempt counter after connectivity recovers.
func (c *ReconnectionController) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts > 0 {
		c.logger.Infow("connectivity restored",
			"restart_attempts", c.attempts,
		)
	}
	c.attempts = 0
	c.backoff.Reset()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// AnswerTimeout returns how long a restart offer may stay unanswered.
func (c *ReconnectionController) AnswerTimeout() time.Duration {
	return c.policy.AnswerTimeout
}

// Attempts returns the consecutive restart attempts since the last recovery.
func (c *ReconnectionController) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// TotalRestarts returns every restart attempted over the session lifetime.
func (c *ReconnectionController) TotalRestarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Stop cancels any scheduled restart; later events are ignored.
func (c *ReconnectionController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *ReconnectionController) schedule(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.pending != nil {
		// a restart is already queued; coalesce
		c.mu.Unlock()
		return
	}

	c.attempts++
	attempt := c.attempts
	if attempt > c.policy.MaxAttempts {
		c.stopped = true
		c.mu.Unlock()
		c.logger.Warnw("ice restart attempts exhausted",
			"attempts", attempt-1,
			"reason", reason,
		)
		c.target.restartsExhausted(attempt - 1)
		return
	}
	c.total++

	var delay time.Duration
	if attempt > 1 {
		delay = c.backoff.NextBackOff()
	}

	if delay <= 0 {
		c.mu.Unlock()
		c.target.restartICE(reason, attempt)
		return
	}

	c.logger.Infow("ice restart scheduled",
		"attempt", attempt,
		"delay", delay,
		"reason", reason,
	)
	c.pending = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.stopped || c.pending == nil {
			c.mu.Unlock()
			return
		}
		c.pending = nil
		c.mu.Unlock()
		c.target.restartICE(reason, attempt)
	})
	c.mu.Unlock()
}
