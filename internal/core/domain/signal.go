package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageOffer             MessageType = "offer"
	MessageAnswer            MessageType = "answer"
	MessageCandidate         MessageType = "candidate"
	MessageAccept            MessageType = "accept"
	MessageReject            MessageType = "reject"
	MessageEnd               MessageType = "end"
	MessageICERestartRequest MessageType = "ice-restart-request"

	// MessageError is only emitted by the relay back to a sender.
	MessageError MessageType = "error"
)

// CallMessageTypes lists every type exchanged between call peers.
var CallMessageTypes = []MessageType{
	MessageOffer,
	MessageAnswer,
	MessageCandidate,
	MessageAccept,
	MessageReject,
	MessageEnd,
	MessageICERestartRequest,
}

func (t MessageType) Valid() bool {
	for _, known := range CallMessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

type SignalMessage struct {
	Type    MessageType     `json:"type"`
	CallID  CallID          `json:"call_id"`
	From    PeerID          `json:"from,omitempty"`
	To      PeerID          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignalMessage marshals payload (which may be nil) into a message.
func NewSignalMessage(msgType MessageType, callID CallID, from, to PeerID, payload interface{}) (SignalMessage, error) {
	msg := SignalMessage{
		Type:   msgType,
		CallID: callID,
		From:   from,
		To:     to,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return SignalMessage{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into v.
func (m SignalMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type OfferPayload struct {
	Description     SessionDescription `json:"description"`
	MediaKind       MediaKind          `json:"media_kind"`
	IsRenegotiation bool               `json:"is_renegotiation"`
}

type AnswerPayload struct {
	Description SessionDescription `json:"description"`
}

type CandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}

type RejectPayload struct {
	Reason string `json:"reason"`
}

type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
