package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrPeerOffline = errors.New("peer is not connected to any relay instance")

// only the instance that owns the presence key may delete it
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// SharedPeerRegistry records which relay instance each peer is connected to.
type SharedPeerRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	prefix     string
	logger     *zap.SugaredLogger
}

func NewSharedPeerRegistry(
	client *redis.Client,
	instanceID string,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *SharedPeerRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SharedPeerRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		prefix:     "rillcall:presence:",
		logger:     logger,
	}
}

func (r *SharedPeerRegistry) InstanceID() string {
	return r.instanceID
}

// RegisterPeer claims peerID for this instance, taking it over from any
// other instance the peer was connected to before.
func (r *SharedPeerRegistry) RegisterPeer(ctx context.Context, peerID domain.PeerID) error {
	if err := r.client.Set(ctx, r.peerKey(peerID), r.instanceID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

// UnregisterPeer releases peerID unless another instance has claimed it since.
func (r *SharedPeerRegistry) UnregisterPeer(ctx context.Context, peerID domain.PeerID) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.peerKey(peerID)}, r.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to unregister peer: %w", err)
	}
	return nil
}

// Lookup returns the instance peerID is connected to.
func (r *SharedPeerRegistry) Lookup(ctx context.Context, peerID domain.PeerID) (string, error) {
	instanceID, err := r.client.Get(ctx, r.peerKey(peerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrPeerOffline
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up peer: %w", err)
	}
	return instanceID, nil
}

// Refresh extends the presence of peers still connected here.
func (r *SharedPeerRegistry) Refresh(ctx context.Context, peers []domain.PeerID) error {
	if len(peers) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, p := range peers {
		pipe.Set(ctx, r.peerKey(p), r.instanceID, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// RunRefresh keeps presence keys alive until ctx ends.
func (r *SharedPeerRegistry) RunRefresh(ctx context.Context, peers func() []domain.PeerID) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx, peers()); err != nil {
				r.logger.Warnw("presence refresh failed", "error", err)
			}
		}
	}
}

func (r *SharedPeerRegistry) peerKey(peerID domain.PeerID) string {
	return r.prefix + string(peerID)
}
