package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// PeerTransport is one peer-to-peer media connection.
// CreateOffer and CreateAnswer also apply the result as the local description.
type PeerTransport interface {
	AddTrack(track LocalTrack) error
	ReplaceVideoTrack(track LocalTrack) error

	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	Rollback(ctx context.Context) error
	AddICECandidate(candidate domain.ICECandidate) error

	OnICECandidate(handler func(domain.ICECandidate))
	OnConnectionStateChange(handler func(domain.ConnectionState))
	OnRemoteTrack(handler func(RemoteTrack))

	ConnectionState() domain.ConnectionState
	GetStats(ctx context.Context) (domain.NetworkMetrics, error)
	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context, callID domain.CallID, kind domain.MediaKind) (PeerTransport, error)
}
