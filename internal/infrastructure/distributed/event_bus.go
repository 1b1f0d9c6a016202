package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	signalChannelPrefix = "rillcall:signal:"
	EventsChannel       = "rillcall:events"
)

// envelope wraps everything that crosses instances.
type envelope struct {
	InstanceID string                `json:"instance_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Signal     *domain.SignalMessage `json:"signal,omitempty"`
	Event      *domain.CallEvent     `json:"event,omitempty"`
}

// EventBus moves signaling between relay instances and publishes call
// events for anything watching the cluster.
type EventBus struct {
	client   *redis.Client
	registry *SharedPeerRegistry
	logger   *zap.SugaredLogger

	events chan domain.CallEvent
	pubsub *redis.PubSub
}

var _ ports.CallEventSink = (*EventBus)(nil)

func NewEventBus(
	client *redis.Client,
	registry *SharedPeerRegistry,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:   client,
		registry: registry,
		logger:   logger,
		events:   make(chan domain.CallEvent, 256),
	}
}

func (eb *EventBus) instanceChannel(instanceID string) string {
	return signalChannelPrefix + instanceID
}

// Forward publishes msg on the channel of the instance its target is
// connected to.
func (eb *EventBus) Forward(ctx context.Context, msg domain.SignalMessage) error {
	instanceID, err := eb.registry.Lookup(ctx, msg.To)
	if err != nil {
		return err
	}
	if instanceID == eb.registry.InstanceID() {
		// stale presence: the peer left this instance
		return ErrPeerOffline
	}

	data, err := json.Marshal(envelope{
		InstanceID: eb.registry.InstanceID(),
		Timestamp:  time.Now(),
		Signal:     &msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	receivers, err := eb.client.Publish(ctx, eb.instanceChannel(instanceID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	if receivers == 0 {
		return ErrPeerOffline
	}

	eb.logger.Debugw("forwarded signal",
		"type", msg.Type,
		"call_id", msg.CallID,
		"to_peer", msg.To,
		"instance_id", instanceID,
	)
	return nil
}

// Subscribe delivers signals addressed to this instance until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, deliver func(domain.SignalMessage) bool) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.instanceChannel(eb.registry.InstanceID()))
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Signal == nil {
				eb.logger.Warnw("failed to unmarshal signal",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if !deliver(*env.Signal) {
				eb.logger.Debugw("forwarded signal target already gone",
					"call_id", env.Signal.CallID,
					"to_peer", env.Signal.To,
				)
			}
		}
	}
}

// Publish queues a call event for the cluster channel. It drops events when
// Redis cannot keep up.
func (eb *EventBus) Publish(event domain.CallEvent) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warnw("event bus queue full, dropping event", "type", event.Type, "call_id", event.CallID)
	}
}

// RunPublisher drains queued call events into Redis until ctx ends.
func (eb *EventBus) RunPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.events:
			data, err := json.Marshal(envelope{
				InstanceID: eb.registry.InstanceID(),
				Timestamp:  time.Now(),
				Event:      &event,
			})
			if err != nil {
				continue
			}
			if err := eb.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
				eb.logger.Warnw("failed to publish event", "type", event.Type, "error", err)
			}
		}
	}
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
