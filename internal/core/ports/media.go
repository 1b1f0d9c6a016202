package ports

import (
	"context"

	"rillcall/internal/core/domain"

	"github.com/pion/rtp"
)

// LocalTrack is a capture track owned by the media pipeline.
// Stop releases the underlying device and must be safe to call more than once.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Source() domain.TrackSource
	SetEnabled(enabled bool)
	Stop() error
}

// BitrateController is implemented by tracks whose encoder accepts a target bitrate.
type BitrateController interface {
	SetBitrate(bps int) error
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.TrackKind
	ReadRTP() (*rtp.Packet, error)
}

// RTPSink receives packets of the assembled remote stream.
type RTPSink interface {
	WriteRTP(trackID string, packet *rtp.Packet) error
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}
