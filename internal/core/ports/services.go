package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// CallEventSink observes session events. Publish must not block.
type CallEventSink interface {
	Publish(event domain.CallEvent)
}

// CallService is the surface the control API drives.
type CallService interface {
	StartCall(ctx context.Context, peerID domain.PeerID, kind domain.MediaKind) (domain.CallSnapshot, error)
	AcceptCall(ctx context.Context, callID domain.CallID) error
	RejectCall(ctx context.Context, callID domain.CallID, reason string) error
	EndCall(ctx context.Context, callID domain.CallID, reason string) error
	SetMuted(ctx context.Context, callID domain.CallID, muted bool) (domain.CallFlags, error)
	SetCameraOff(ctx context.Context, callID domain.CallID, off bool) (domain.CallFlags, error)
	ToggleScreenShare(ctx context.Context, callID domain.CallID) (domain.CallFlags, error)
	NotifyNetworkChange(reason string)
	GetCall(callID domain.CallID) (domain.CallSnapshot, error)
	ListCalls() []domain.CallSnapshot
	History(ctx context.Context, limit int) ([]*domain.CallRecord, error)
	PeerHistory(ctx context.Context, peerID domain.PeerID, limit int) ([]*domain.CallRecord, error)
}
