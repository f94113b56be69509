package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus or KafkaBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

type keyCtx struct{}

// WithKey attaches a partition key (the claim id) to ctx. Buses that
// support ordering per key use it; the others copy it onto the message.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, key)
}

func keyFrom(ctx context.Context) string {
	k, _ := ctx.Value(keyCtx{}).(string)
	return k
}

// PublishEvent marshals a claim event and publishes it keyed by claim id.
func PublishEvent(ctx context.Context, b domain.EventBus, topic string, ev domain.ClaimEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return b.Publish(WithKey(ctx, ev.ClaimID), topic, payload)
}

// Emit publishes an event and logs a failure instead of returning it.
// Lifecycle events never fail the operation that produced them.
func Emit(ctx context.Context, b domain.EventBus, topic string, ev domain.ClaimEvent) {
	if b == nil {
		return
	}
	if err := PublishEvent(ctx, b, topic, ev); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"claim_id", ev.ClaimID,
			"error", err,
		)
	}
}

// DecodeEvent unmarshals a claim event payload.
func DecodeEvent(msg *domain.Message) (domain.ClaimEvent, error) {
	var ev domain.ClaimEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode %s event: %w", msg.Topic, err)
	}
	return ev, nil
}
