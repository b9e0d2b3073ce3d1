package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// PendingOrderStore is the read surface for the notification run.
type PendingOrderStore interface {
	PendingApprovalOrders(ctx context.Context) ([]*repository.PurchaseOrder, error)
}

// Publisher hands a recipient group to the external Notifier. Formatting
// and transport are out of scope here.
type Publisher interface {
	PublishPendingApprovals(ctx context.Context, group PendingGroup) error
}

// OrderSummary is the per-order payload handed to the Notifier.
type OrderSummary struct {
	OrderID          string `json:"order_id"`
	OrderNumber      string `json:"order_number"`
	ApprovalFlow     string `json:"approval_flow"`
	TotalAmount      int64  `json:"total_amount"`
	ActingAsDelegate bool   `json:"acting_as_delegate"`
}

// PendingGroup is one notification batch: every pending order routed to the
// same recipient pair. When a delegate is active the delegate is the
// recipient and the primary approver is kept informed as the secondary.
type PendingGroup struct {
	Key       string         `json:"key"`
	Recipient string         `json:"recipient"`
	Secondary string         `json:"secondary,omitempty"`
	Orders    []OrderSummary `json:"orders"`
}

// NotifySummary reports the outcome of one notification run.
type NotifySummary struct {
	Orders    int `json:"orders"`
	Groups    int `json:"groups"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// NotifyService groups pending orders per recipient so one downstream email
// covers all of a person's pending approvals.
type NotifyService struct {
	orders    PendingOrderStore
	publisher Publisher
	log       zerolog.Logger
}

// NewNotifyService creates a new NotifyService.
func NewNotifyService(orders PendingOrderStore, publisher Publisher, log zerolog.Logger) *NotifyService {
	return &NotifyService{orders: orders, publisher: publisher, log: log}
}

// Run performs one notification pass: select pending orders, group them by
// recipient key, publish one event per group. Publish failures are counted
// and logged but never abort the remaining groups.
func (s *NotifyService) Run(ctx context.Context) (*NotifySummary, error) {
	orders, err := s.orders.PendingApprovalOrders(ctx)
	if err != nil {
		return nil, err
	}

	groups := GroupPendingOrders(orders)
	summary := &NotifySummary{Orders: len(orders), Groups: len(groups)}

	for _, group := range groups {
		if err := s.publisher.PublishPendingApprovals(ctx, group); err != nil {
			s.log.Error().Err(err).
				Str("recipient_key", group.Key).
				Int("orders", len(group.Orders)).
				Msg("Failed to publish pending-approvals group")
			summary.Failed++
			continue
		}
		summary.Published++
	}

	s.log.Info().
		Int("orders", summary.Orders).
		Int("groups", summary.Groups).
		Int("published", summary.Published).
		Int("failed", summary.Failed).
		Msg("Notification run complete")

	return summary, nil
}

// GroupPendingOrders buckets orders under their recipient key. The key is
// always "recipient|secondary" with the separator kept even when there is no
// secondary, so a key splits into exactly two parts. Orders without a
// resolvable recipient are skipped.
func GroupPendingOrders(orders []*repository.PurchaseOrder) []PendingGroup {
	byKey := make(map[string]*PendingGroup)
	var keys []string

	for _, o := range orders {
		recipient, secondary := recipientsFor(o)
		if recipient == "" {
			continue
		}
		key := recipient + "|" + secondary

		group, ok := byKey[key]
		if !ok {
			group = &PendingGroup{Key: key, Recipient: recipient, Secondary: secondary}
			byKey[key] = group
			keys = append(keys, key)
		}
		group.Orders = append(group.Orders, OrderSummary{
			OrderID:          o.ID,
			OrderNumber:      o.OrderNumber,
			ApprovalFlow:     o.ApprovalFlow,
			TotalAmount:      o.TotalAmount,
			ActingAsDelegate: o.IsDelegateActive,
		})
	}

	out := make([]PendingGroup, 0, len(keys))
	for _, key := range keys {
		out = append(out, *byKey[key])
	}
	return out
}

// recipientsFor picks the order's notification targets: the active delegate
// when one is applied, with the displaced next approver as the secondary;
// otherwise the next approver alone.
func recipientsFor(o *repository.PurchaseOrder) (recipient, secondary string) {
	next := ""
	if o.NextApprover != nil {
		next = *o.NextApprover
	}
	if o.IsDelegateActive && o.AssignedDelegateApprover != nil && *o.AssignedDelegateApprover != "" {
		return *o.AssignedDelegateApprover, next
	}
	return next, ""
}
