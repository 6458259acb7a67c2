package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"healthsync-chat/internal/observability"
)

// Routing keys for chat domain events.
const (
	RoutingMessageCreated = "chat.message.created"
	RoutingMessageSeen    = "chat.message.seen"
	RoutingWSEvents       = "ws_events.chats"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// EventEmitter wraps domain payloads in a versioned envelope and publishes them.
type EventEmitter struct {
	publisher   Publisher
	service     string
	environment string
	logger      *zap.Logger
}

type EventEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	RequestID     string `json:"request_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Payload       any    `json:"payload"`
}

// EventMeta carries request-scoped identifiers into the envelope.
type EventMeta struct {
	RequestID string
	TraceID   string
	UserID    string
}

func NewEventEmitter(publisher Publisher, service, environment string, logger *zap.Logger) *EventEmitter {
	return &EventEmitter{
		publisher:   publisher,
		service:     service,
		environment: environment,
		logger:      logger.Named("events"),
	}
}

// Emit publishes an event. Publish failures are logged, never returned.
func (e *EventEmitter) Emit(ctx context.Context, routingKey, eventType string, meta EventMeta, payload any) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := EventEnvelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     meta.RequestID,
		TraceID:       meta.TraceID,
		UserID:        meta.UserID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, routingKey, envelope); err != nil {
		observability.IncAMQPPublishError()
		e.logger.Warn("event publish failed", zap.String("event_type", eventType), zap.String("request_id", meta.RequestID), zap.Error(err))
	}
}
