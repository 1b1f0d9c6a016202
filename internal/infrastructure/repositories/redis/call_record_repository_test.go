package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"rillcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("RILLCALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RILLCALL_TEST_REDIS_ADDR not set")
	}
	client, err := NewRedisClient(ClientOptions{Address: addr, DB: 14}, zap.NewNop().Sugar())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func newRecord(id, peer string, endedAt time.Time) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:     domain.CallID(id),
		PeerID:     domain.PeerID(peer),
		Direction:  domain.DirectionIncoming,
		MediaKind:  domain.MediaAudio,
		FinalState: domain.StateEnded,
		StartedAt:  endedAt.Add(-30 * time.Second),
		EndedAt:    endedAt,
		Duration:   30 * time.Second,
	}
}

func TestRedisCallRecordRepository_SaveAndList(t *testing.T) {
	client := testClient(t)
	repo := NewRedisCallRecordRepository(client, 0)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	require.NoError(t, repo.Save(ctx, newRecord("call-1", "alice", base)))
	require.NoError(t, repo.Save(ctx, newRecord("call-2", "bob", base.Add(time.Second))))
	require.NoError(t, repo.Save(ctx, newRecord("call-3", "alice", base.Add(2*time.Second))))

	got, err := repo.GetByID(ctx, "call-2")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("bob"), got.PeerID)
	assert.True(t, got.EndedAt.Equal(base.Add(time.Second)))

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, domain.CallID("call-3"), recent[0].CallID)
	assert.Equal(t, domain.CallID("call-2"), recent[1].CallID)

	alice, err := repo.ListByPeer(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, domain.CallID("call-3"), alice[0].CallID)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRedisCallRecordRepository_Trim(t *testing.T) {
	client := testClient(t)
	repo := NewRedisCallRecordRepository(client, 2)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Save(ctx, newRecord("call-1", "alice", base)))
	require.NoError(t, repo.Save(ctx, newRecord("call-2", "alice", base.Add(time.Second))))
	require.NoError(t, repo.Save(ctx, newRecord("call-3", "alice", base.Add(2*time.Second))))

	_, err := repo.GetByID(ctx, "call-1")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	alice, err := repo.ListByPeer(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, alice, 2)
}

func TestMigrate_Idempotent(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, client, nil))
	version, err := getSchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}
