package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix   = "rillcall:call:"
	recentIndexKey  = "rillcall:calls:recent"
	peerIndexPrefix = "rillcall:calls:peer:"

	// span table name shared with the SQLite store
	table = "call_records"
)

func callKey(id string) string {
	return callKeyPrefix + id
}

func peerIndexKey(peerID domain.PeerID) string {
	return peerIndexPrefix + string(peerID)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// RedisCallRecordRepository stores records as JSON, indexed by end time in
// sorted sets. Records past the capacity are trimmed on save.
type RedisCallRecordRepository struct {
	client   *redis.Client
	capacity int64
}

func NewRedisCallRecordRepository(client *redis.Client, capacity int) ports.CallRecordRepository {
	return &RedisCallRecordRepository{
		client:   client,
		capacity: int64(capacity),
	}
}

func (r *RedisCallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) (err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "save", table)
	defer func(start time.Time) { tracing.EndDatabaseSpan(ctx, span, start, "save", err) }(time.Now())

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	id := string(record.CallID)
	member := redis.Z{Score: score(record.EndedAt), Member: id}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(id), data, 0)
		pipe.ZAdd(ctx, recentIndexKey, member)
		pipe.ZAdd(ctx, peerIndexKey(record.PeerID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save call record in Redis: %w", err)
	}

	if r.capacity > 0 {
		if err := r.trim(ctx); err != nil {
			return err
		}
	}
	return nil
}

// trim drops the oldest records beyond capacity from every index.
func (r *RedisCallRecordRepository) trim(ctx context.Context) error {
	stale, err := r.client.ZRange(ctx, recentIndexKey, 0, -r.capacity-1).Result()
	if err != nil {
		return fmt.Errorf("failed to read call index: %w", err)
	}
	for _, id := range stale {
		record, err := r.get(ctx, id)
		_, pipeErr := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, callKey(id))
			pipe.ZRem(ctx, recentIndexKey, id)
			if err == nil {
				pipe.ZRem(ctx, peerIndexKey(record.PeerID), id)
			}
			return nil
		})
		if pipeErr != nil {
			return fmt.Errorf("failed to trim call record %s: %w", id, pipeErr)
		}
	}
	return nil
}

func (r *RedisCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (record *domain.CallRecord, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "get", table)
	defer func(start time.Time) {
		miss := err
		if errors.Is(err, domain.ErrRecordNotFound) {
			miss = nil
		}
		tracing.EndDatabaseSpan(ctx, span, start, "get", miss)
	}(time.Now())

	return r.get(ctx, string(id))
}

func (r *RedisCallRecordRepository) get(ctx context.Context, id string) (*domain.CallRecord, error) {
	data, err := r.client.Get(ctx, callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record from Redis: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

func (r *RedisCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	return r.list(ctx, "list_recent", recentIndexKey, limit)
}

func (r *RedisCallRecordRepository) ListByPeer(ctx context.Context, peerID domain.PeerID, limit int) ([]*domain.CallRecord, error) {
	return r.list(ctx, "list_by_peer", peerIndexKey(peerID), limit)
}

func (r *RedisCallRecordRepository) list(ctx context.Context, operation, index string, limit int) (_ []*domain.CallRecord, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, operation, table)
	defer func(start time.Time) { tracing.EndDatabaseSpan(ctx, span, start, operation, err) }(time.Now())

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call index: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call records from Redis: %w", err)
	}

	records := make([]*domain.CallRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry outlived its record
			continue
		}
		var record domain.CallRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
