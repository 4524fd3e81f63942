package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	natsclient "github.com/akshaya12406-byte/expensemanagement/internal/nats"
	"github.com/akshaya12406-byte/expensemanagement/internal/service"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notification service. It satisfies service.Notifier.
//
// Subject convention: notifications.expense.<event_type>
// Event types: expense_submitted, approval_required, approval_status_changed,
//              cfo_bypass, expense_escalated
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt or roll back an
// approval state transition.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	CompanyID    string         `json:"company_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// Notify publishes one expense approval event. Fire-and-forget: runs after
// the workflow transaction has committed and never fails the caller.
func (p *NotificationPublisher) Notify(ctx context.Context, n service.Notification) {
	if p.nats == nil {
		return
	}
	if len(n.Recipients) == 0 {
		return
	}

	resourceID, _ := n.Payload["expense_id"].(string)
	event := &NotificationEvent{
		EventType:    n.EventType,
		CompanyID:    n.CompanyID,
		ActorID:      n.ActorID,
		Recipients:   n.Recipients,
		Title:        n.Title,
		Message:      n.Message,
		ResourceType: "expense",
		ResourceID:   resourceID,
		Severity:     "info",
		Category:     "expense_approval",
		Payload:      n.Payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.expense.%s", n.EventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("company_id", n.CompanyID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Int("recipients", len(n.Recipients)).
		Msg("notification: event published")
}
