package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// SignalingChannel carries call-control messages to and from the remote peer.
// Send is fire-and-forget: the channel never retries a message.
// Handlers registered for a type are invoked sequentially in arrival order.
type SignalingChannel interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
	OnMessage(msgType domain.MessageType, handler func(domain.SignalMessage)) (cancel func())
}
