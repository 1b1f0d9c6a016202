package domain

import "errors"

var (
	ErrCallNotFound         = errors.New("call not found")
	ErrDuplicateCall        = errors.New("call already exists")
	ErrInvalidTransition    = errors.New("invalid call state transition")
	ErrNotConnected         = errors.New("call is not connected")
	ErrSessionClosed        = errors.New("call session closed")
	ErrMediaAcquisition     = errors.New("media acquisition failed")
	ErrScreenShareFailed    = errors.New("screen share failed")
	ErrAudioOnlyCall        = errors.New("operation requires a video call")
	ErrMalformedDescription = errors.New("malformed session description")
	ErrUnexpectedAnswer     = errors.New("answer received without a pending offer")
	ErrRestartExhausted     = errors.New("ice restart attempts exhausted")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrUnknownMessageType   = errors.New("unknown signal message type")
	ErrPeerBusy             = errors.New("peer busy")
	ErrSignalingUnavailable = errors.New("signaling channel unavailable")
	ErrRecordNotFound       = errors.New("call record not found")
	ErrSelfCall             = errors.New("cannot call yourself")
)
