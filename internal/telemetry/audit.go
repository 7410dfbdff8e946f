package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Audit event names emitted by the coordinator.
const (
	EventSessionSelected        = "session_selected"
	EventMessageSent            = "message_sent"
	EventMessageEdited          = "message_edited"
	EventMessageDeleteRequested = "message_delete_requested"
	EventAuditTest              = "audit_test"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	viewerID    string
	log         *zap.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        string       `json:"user_id"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment, viewerID string, log *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		viewerID:    viewerID,
		log:         log.With(zap.String("component", "audit")),
	}
}

// Emit publishes one audit envelope. Failures are logged and swallowed.
func (e *AuditEmitter) Emit(ctx context.Context, event, sessionID, messageID, requestID string) {
	if e == nil || e.publisher == nil {
		return
	}

	e.log.Debug("audit emit",
		zap.String("event", event),
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
	)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        e.viewerID,
		Payload: AuditPayload{
			Event:     event,
			SessionID: sessionID,
			MessageID: messageID,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warn("audit publish failed", zap.Error(err))
	}
}
