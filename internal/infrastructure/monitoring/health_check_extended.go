package monitoring

import (
	"context"
	"errors"
	"time"

	"rillcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var (
	errCheckFailed      = errors.New("check failed")
	errRelayUnreachable = errors.New("relay connection down")
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck reads one call record to prove the history store answers.
func (h *HealthChecker) AddRepositoryCheck(repo ports.CallRecordRepository, interval, timeout time.Duration) {
	h.AddCheck("call_history", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListRecent(ctx, 1); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSignalingCheck reports whether the node currently holds a relay
// connection.
func (h *HealthChecker) AddSignalingCheck(connected func() bool, interval time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		if !connected() {
			return false, errRelayUnreachable
		}
		return true, nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
