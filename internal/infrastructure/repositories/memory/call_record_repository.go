package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"
)

// MemoryCallRecordRepository keeps call history for the life of the process.
type MemoryCallRecordRepository struct {
	records  map[domain.CallID]*domain.CallRecord
	capacity int
	mu       sync.RWMutex
}

// NewMemoryCallRecordRepository keeps at most capacity records, dropping the
// oldest by end time. A capacity <= 0 means unbounded.
func NewMemoryCallRecordRepository(capacity int) ports.CallRecordRepository {
	return &MemoryCallRecordRepository{
		records:  make(map[domain.CallID]*domain.CallRecord),
		capacity: capacity,
	}
}

func (r *MemoryCallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "save", "call_records")
	defer tracing.EndDatabaseSpan(ctx, span, time.Now(), "save", nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	r.records[record.CallID] = &stored

	if r.capacity > 0 && len(r.records) > r.capacity {
		all := r.sortedLocked()
		for _, old := range all[r.capacity:] {
			delete(r.records, old.CallID)
		}
	}
	return nil
}

func (r *MemoryCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "get", "call_records")
	defer tracing.EndDatabaseSpan(ctx, span, time.Now(), "get", nil)

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrRecordNotFound
	}
	out := *record
	return &out, nil
}

func (r *MemoryCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list_recent", "call_records")
	defer tracing.EndDatabaseSpan(ctx, span, time.Now(), "list_recent", nil)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyRecords(r.sortedLocked(), limit), nil
}

func (r *MemoryCallRecordRepository) ListByPeer(ctx context.Context, peerID domain.PeerID, limit int) ([]*domain.CallRecord, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list_by_peer", "call_records")
	defer tracing.EndDatabaseSpan(ctx, span, time.Now(), "list_by_peer", nil)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.CallRecord
	for _, record := range r.sortedLocked() {
		if record.PeerID == peerID {
			matched = append(matched, record)
		}
	}
	return copyRecords(matched, limit), nil
}

// sortedLocked returns records newest first.
func (r *MemoryCallRecordRepository) sortedLocked() []*domain.CallRecord {
	all := make([]*domain.CallRecord, 0, len(r.records))
	for _, record := range r.records {
		all = append(all, record)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].EndedAt.Equal(all[j].EndedAt) {
			return all[i].CallID > all[j].CallID
		}
		return all[i].EndedAt.After(all[j].EndedAt)
	})
	return all
}

func copyRecords(records []*domain.CallRecord, limit int) []*domain.CallRecord {
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]*domain.CallRecord, 0, len(records))
	for _, record := range records {
		c := *record
		out = append(out, &c)
	}
	return out
}
