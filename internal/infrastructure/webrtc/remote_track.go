package webrtc

import (
	"rillcall/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.track.ID() }
func (r *remoteTrack) StreamID() string { return r.track.StreamID() }

func (r *remoteTrack) Kind() domain.TrackKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}
