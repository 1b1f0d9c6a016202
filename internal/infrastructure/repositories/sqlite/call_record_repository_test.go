package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func openMemory(t *testing.T, capacity int) *CallRecordRepository {
	t.Helper()
	repo, err := Open(MemoryPath, capacity, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sample(id, peer string, endedAt time.Time) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:     domain.CallID(id),
		PeerID:     domain.PeerID(peer),
		Direction:  domain.DirectionOutgoing,
		MediaKind:  domain.MediaVideo,
		FinalState: domain.StateEnded,
		Reason:     "remote-hangup",
		StartedAt:  endedAt.Add(-2 * time.Minute),
		EndedAt:    endedAt,
		Duration:   90 * time.Second,
		Restarts:   1,
	}
}

func TestCallRecordRepository_RoundTrip(t *testing.T) {
	repo := openMemory(t, 0)
	ctx := context.Background()
	ended := time.UnixMilli(1_700_000_000_000)

	rec := sample("call-1", "alice", ended)
	rec.ConnectedAt = ended.Add(-90 * time.Second)
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.GetByID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, rec.CallID, got.CallID)
	assert.Equal(t, rec.PeerID, got.PeerID)
	assert.Equal(t, rec.Direction, got.Direction)
	assert.Equal(t, rec.MediaKind, got.MediaKind)
	assert.Equal(t, rec.FinalState, got.FinalState)
	assert.Equal(t, rec.Reason, got.Reason)
	assert.Equal(t, rec.Duration, got.Duration)
	assert.Equal(t, 1, got.Restarts)
	assert.True(t, got.EndedAt.Equal(ended))
	assert.True(t, got.ConnectedAt.Equal(rec.ConnectedAt))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestCallRecordRepository_NeverConnected(t *testing.T) {
	repo := openMemory(t, 0)
	ctx := context.Background()

	rec := sample("call-1", "alice", time.Now())
	rec.FinalState = domain.StateRejected
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.GetByID(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, got.ConnectedAt.IsZero())
}

func TestCallRecordRepository_Listing(t *testing.T) {
	repo := openMemory(t, 0)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Save(ctx, sample("call-1", "alice", base)))
	require.NoError(t, repo.Save(ctx, sample("call-2", "bob", base.Add(time.Second))))
	require.NoError(t, repo.Save(ctx, sample("call-3", "alice", base.Add(2*time.Second))))

	recent, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, domain.CallID("call-3"), recent[0].CallID)
	assert.Equal(t, domain.CallID("call-1"), recent[2].CallID)

	limited, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	alice, err := repo.ListByPeer(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, domain.CallID("call-3"), alice[0].CallID)

	nobody, err := repo.ListByPeer(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, nobody)
}

func TestCallRecordRepository_Capacity(t *testing.T) {
	repo := openMemory(t, 2)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"call-1", "call-2", "call-3"} {
		require.NoError(t, repo.Save(ctx, sample(id, "alice", base.Add(time.Duration(i)*time.Second))))
	}

	_, err := repo.GetByID(ctx, "call-1")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	all, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCallRecordRepository_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "calls.db")
	ctx := context.Background()

	repo, err := Open(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, sample("call-1", "alice", time.Now())))
	require.NoError(t, repo.Close())

	reopened, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetByID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alice"), got.PeerID)
	require.NoError(t, reopened.HealthCheck(ctx))
}

func TestCallRecordRepository_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	repo := openMemory(t, 0)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sample("call-1", "alice", time.Now())))
	_, err := repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)

	require.NoError(t, repo.Close())
	_, err = repo.ListRecent(ctx, 10)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "db.save", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("db.table", "call_records"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("operation", "save"))

	assert.Equal(t, "db.get", spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code, "a miss is not a failure")

	assert.Equal(t, "db.list_recent", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}
