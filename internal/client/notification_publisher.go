package client

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-approvals/internal/service"
)

// NotificationPublisher publishes pending-approval groups to NATS for
// consumption by the notifications service, which owns email formatting and
// transport.
//
// One event is published per recipient group so a single downstream email
// covers all of a person's pending orders.
type NotificationPublisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType  string                 `json:"event_type"`
	Recipient  string                 `json:"recipient"`
	Secondary  string                 `json:"secondary,omitempty"`
	GroupKey   string                 `json:"group_key"`
	OrderCount int                    `json:"order_count"`
	Orders     []service.OrderSummary `json:"orders"`
}

// NewNotificationPublisher creates a publisher on an existing NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, subject string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, subject: subject, log: log}
}

// PublishPendingApprovals publishes one recipient group.
func (p *NotificationPublisher) PublishPendingApprovals(_ context.Context, group service.PendingGroup) error {
	if p.conn == nil {
		p.log.Debug().Str("group_key", group.Key).Msg("notification: publisher disabled, dropping group")
		return nil
	}

	event := &NotificationEvent{
		EventType:  "approvals_pending",
		Recipient:  group.Recipient,
		Secondary:  group.Secondary,
		GroupKey:   group.Key,
		OrderCount: len(group.Orders),
		Orders:     group.Orders,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", p.subject).
		Str("group_key", group.Key).
		Int("orders", len(group.Orders)).
		Msg("notification: event published")
	return nil
}
