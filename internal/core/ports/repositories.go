package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

type CallRecordRepository interface {
	Save(ctx context.Context, record *domain.CallRecord) error
	GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error)
	ListByPeer(ctx context.Context, peerID domain.PeerID, limit int) ([]*domain.CallRecord, error)
}
