package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: approval_required, request_approved, request_rejected,
//              request_cancelled, request_escalated, request_expired,
//              request_executed, deadline_warning, max_escalation
//
// All publish operations are non-fatal: errors are logged and re-emitted as
// a notification_failed event, never propagated to the caller, so delivery
// failures never interrupt approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Urgent       bool                   `json:"urgent,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher connects to NATS and returns a publisher. An empty
// URL yields a publisher that silently drops events, which keeps local
// development working without a broker.
func NewNotificationPublisher(url string, log zerolog.Logger) (*NotificationPublisher, error) {
	if url == "" {
		return &NotificationPublisher{log: log}, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("be-plt-approvals"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NotificationPublisher{conn: conn, log: log}, nil
}

// Close drains the NATS connection.
func (p *NotificationPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// PublishApprovalEvent publishes one approval event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, requestID, actorID string, recipients []string, urgent bool, payload map[string]interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	severity := "info"
	if urgent {
		severity = "warning"
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		IsActionable: true,
		Urgent:       urgent,
		Severity:     severity,
		Category:     "critical_action_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish event (non-fatal)")
		p.emitFailure(eventType, requestID, err)
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(recipients)).
		Bool("urgent", urgent).
		Msg("notification: event published")
}

// emitFailure re-emits a delivery failure as a distinct event for an external
// retry subsystem. Best-effort; a second failure is only logged.
func (p *NotificationPublisher) emitFailure(eventType, requestID string, cause error) {
	data, err := json.Marshal(map[string]interface{}{
		"event_type": eventType,
		"request_id": requestID,
		"error":      cause.Error(),
	})
	if err != nil {
		return
	}
	if err := p.conn.Publish("notifications.approvals.notification_failed", data); err != nil {
		p.log.Warn().Err(err).Str("request_id", requestID).Msg("notification: failed to emit failure event")
	}
}
