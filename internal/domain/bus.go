package domain

import (
	"context"
	"time"
)

// EventBus carries decision events from the engine to asynchronous consumers.
// Supports Go channels (standalone) or NATS (distributed).
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
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type"`

	ChannelBufferSize int `koanf:"channel_buffer_size"`

	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
}

// Topics published by the engine.
const (
	TopicScoreComputed       = "risk.score.computed"
	TopicComplianceEvaluated = "risk.compliance.evaluated"
	TopicAlertChanged        = "risk.alert.changed"
)

// DecisionEvent is the JSON payload published on the decision topics.
// Exactly one of Score, Compliance or Alert is set.
type DecisionEvent struct {
	DecisionID string            `json:"decisionId,omitempty"`
	SubjectID  string            `json:"subjectId"`
	At         time.Time         `json:"at"`
	Score      *ScoreResult      `json:"score,omitempty"`
	Compliance *ComplianceResult `json:"compliance,omitempty"`
	Alert      *Alert            `json:"alert,omitempty"`
}
