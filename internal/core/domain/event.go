package domain

import "time"

type CallEventType string

const (
	EventStateChanged   CallEventType = "state_changed"
	EventDurationTick   CallEventType = "duration_tick"
	EventQualityUpdated CallEventType = "quality_updated"
	EventFlagsChanged   CallEventType = "flags_changed"
	EventRemoteTrack    CallEventType = "remote_track"
	EventRestart        CallEventType = "ice_restart"
	EventBitrateChanged CallEventType = "bitrate_changed"
	EventClosed         CallEventType = "closed"
)

// CallEvent is published for observers of a session (UI stream, metrics, bus).
type CallEvent struct {
	Type      CallEventType  `json:"type"`
	CallID    CallID         `json:"call_id"`
	PeerID    PeerID         `json:"peer_id"`
	Direction Direction      `json:"direction"`
	MediaKind MediaKind      `json:"media_kind"`
	State     CallState      `json:"state"`
	Previous  CallState      `json:"previous,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Quality   *QualitySample `json:"quality,omitempty"`
	Flags     *CallFlags     `json:"flags,omitempty"`
	Bitrate   int            `json:"bitrate,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
