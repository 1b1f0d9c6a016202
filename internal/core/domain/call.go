package domain

import "time"

type CallID string
type PeerID string

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

type CallState string

const (
	StateIdle         CallState = "idle"
	StateIncoming     CallState = "incoming"
	StateCalling      CallState = "calling"
	StateConnecting   CallState = "connecting"
	StateConnected    CallState = "connected"
	StateReconnecting CallState = "reconnecting"
	StateRejected     CallState = "rejected"
	StateEnded        CallState = "ended"
	StateError        CallState = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateRejected, StateEnded, StateError:
		return true
	}
	return false
}

// IsLive reports whether media is (or was just) flowing.
func (s CallState) IsLive() bool {
	return s == StateConnected || s == StateReconnecting
}

// In reports whether s is one of states.
func (s CallState) In(states ...CallState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

type NetworkStatus string

const (
	NetworkStable   NetworkStatus = "stable"
	NetworkUnstable NetworkStatus = "unstable"
)

type QualityLabel string

const (
	QualityPoor QualityLabel = "poor"
	QualityFair QualityLabel = "fair"
	QualityGood QualityLabel = "good"
)

// CallFlags are only meaningful while a call is Connected or Reconnecting.
type CallFlags struct {
	Muted         bool `json:"muted"`
	CameraOff     bool `json:"camera_off"`
	ScreenSharing bool `json:"screen_sharing"`
}

type CallSnapshot struct {
	CallID       CallID        `json:"call_id"`
	PeerID       PeerID        `json:"peer_id"`
	Direction    Direction     `json:"direction"`
	MediaKind    MediaKind     `json:"media_kind"`
	State        CallState     `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	ConnectedAt  time.Time     `json:"connected_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	Elapsed      string        `json:"elapsed"`
	QualityScore float64       `json:"quality_score"`
	QualityLabel QualityLabel  `json:"quality_label"`
	Network      NetworkStatus `json:"network"`
	Flags        CallFlags     `json:"flags"`
	RemoteTracks int           `json:"remote_tracks"`

	// zero for audio calls
	VideoBitrate     int       `json:"video_bitrate,omitempty"`
	BitrateChangedAt time.Time `json:"bitrate_changed_at,omitempty"`
}

type CallRecord struct {
	CallID      CallID        `json:"call_id"`
	PeerID      PeerID        `json:"peer_id"`
	Direction   Direction     `json:"direction"`
	MediaKind   MediaKind     `json:"media_kind"`
	FinalState  CallState     `json:"final_state"`
	Reason      string        `json:"reason,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration"`
	Restarts    int           `json:"restarts"`
}
