package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// Kafka settings
	KafkaBrokers []string `yaml:"kafka_brokers"`

	// ConsumerGroup is the NATS queue group or Kafka consumer group
	// shared by all nodes.
	ConsumerGroup string `yaml:"consumer_group"`
}

// Standard topic names for the claim lifecycle.
const (
	TopicClaimCreated      = "claimflow.claim.created"
	TopicClaimStateChanged = "claimflow.claim.state_changed"
	TopicDocumentUploaded  = "claimflow.document.uploaded"
	TopicDocumentProcessed = "claimflow.document.processed"
	TopicFraudScored       = "claimflow.fraud.scored"
	TopicFraudFlagRaised   = "claimflow.fraud.flag_raised"
	TopicApprovalResolved  = "claimflow.approval.resolved"
	TopicAutomationApplied = "claimflow.automation.applied"
	TopicAttentionRequired = "claimflow.automation.attention_required"
	TopicSLABreached       = "claimflow.sla.breached"
	TopicPaymentFailed     = "claimflow.payment.failed"
)

// ClaimEvent is the payload of every claim lifecycle topic.
type ClaimEvent struct {
	ClaimID    string         `json:"claimId"`
	DocumentID string         `json:"documentId,omitempty"`
	From       ClaimState     `json:"from,omitempty"`
	To         ClaimState     `json:"to,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}
