package repository

import (
	"time"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
)

// ── Approval tier labels ─────────────────────────────────────────────────────

const (
	TierOne   = "TIER 1"
	TierTwo   = "TIER 2"
	TierThree = "TIER 3"
)

// StatusPendingApproval is the only order status the routing engine touches.
const StatusPendingApproval = "pending_approval"

// ApproverConfig maps an approval flow to its three approver slots.
// At most one active config may exist per config_type.
type ApproverConfig struct {
	ID                string
	ConfigType        string // approval flow identifier
	PrimaryApprover   string
	SecondaryApprover *string
	TertiaryApprover  *string
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TierAssignment pairs an approver with the tier their slot routes.
type TierAssignment struct {
	Approver string
	Tier     string
}

// TierAssignments returns the populated slots in tier order: primary routes
// TIER 1, secondary TIER 2, tertiary TIER 3.
func (c *ApproverConfig) TierAssignments() []TierAssignment {
	out := []TierAssignment{{Approver: c.PrimaryApprover, Tier: TierOne}}
	if c.SecondaryApprover != nil && *c.SecondaryApprover != "" {
		out = append(out, TierAssignment{Approver: *c.SecondaryApprover, Tier: TierTwo})
	}
	if c.TertiaryApprover != nil && *c.TertiaryApprover != "" {
		out = append(out, TierAssignment{Approver: *c.TertiaryApprover, Tier: TierThree})
	}
	return out
}

// Validate checks the fields the store cannot express.
func (c *ApproverConfig) Validate() error {
	if c.ConfigType == "" {
		return apperr.InvalidInput("config_type", "approval flow is required")
	}
	if c.PrimaryApprover == "" {
		return apperr.InvalidInput("primary_approver", "primary approver is required")
	}
	return nil
}

// Threshold holds the monetary limits for one approval flow. Amounts are
// cents. At most one active threshold may exist per threshold_type.
type Threshold struct {
	ID                string
	ThresholdType     string // approval flow identifier
	AutoApprovalLimit *int64
	Tier1Limit        *int64
	Tier2Limit        *int64
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate enforces the limit ordering when all three limits are set:
// tier1 strictly above the auto-approval limit, tier2 at or above tier1.
// The strict-then-inclusive asymmetry is deliberate: a tier1 limit equal to
// the auto limit would leave tier 1 no range at all, while equal tier1/tier2
// limits collapse tier 2 into tier 3 review, which is allowed.
func (t *Threshold) Validate() error {
	if t.ThresholdType == "" {
		return apperr.InvalidInput("threshold_type", "approval flow is required")
	}
	if t.AutoApprovalLimit == nil || t.Tier1Limit == nil || t.Tier2Limit == nil {
		return nil
	}
	if *t.Tier1Limit <= *t.AutoApprovalLimit {
		return apperr.InvalidInput("tier1_limit", "must be greater than the auto-approval limit")
	}
	if *t.Tier2Limit < *t.Tier1Limit {
		return apperr.InvalidInput("tier2_limit", "must be greater than or equal to the tier 1 limit")
	}
	return nil
}

// Delegate is a time-bounded substitute approver for a primary approver.
type Delegate struct {
	ID               string
	PrimaryApprover  string
	DelegateApprover string
	StartDate        time.Time
	EndDate          *time.Time
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks self-delegation and the date window.
func (d *Delegate) Validate() error {
	if d.PrimaryApprover == "" {
		return apperr.InvalidInput("primary_approver", "primary approver is required")
	}
	if d.DelegateApprover == "" {
		return apperr.InvalidInput("delegate_approver", "delegate approver is required")
	}
	if d.PrimaryApprover == d.DelegateApprover {
		return apperr.InvalidInput("delegate_approver", "cannot delegate to self")
	}
	if d.StartDate.IsZero() {
		return apperr.InvalidInput("start_date", "start date is required")
	}
	if d.EndDate != nil && d.EndDate.Before(d.StartDate) {
		return apperr.InvalidInput("end_date", "must be on or after the start date")
	}
	return nil
}

// EffectiveAt reports whether the delegation window covers t.
func (d *Delegate) EffectiveAt(t time.Time) bool {
	if !d.IsActive || d.StartDate.After(t) {
		return false
	}
	return d.EndDate == nil || !d.EndDate.Before(t)
}

// ExpiredAt reports whether the record is still active but its window has
// lapsed. Open-ended delegations never expire.
func (d *Delegate) ExpiredAt(t time.Time) bool {
	return d.IsActive && d.EndDate != nil && d.EndDate.Before(t)
}

// Overlaps reports whether two date windows intersect.
func (d *Delegate) Overlaps(other *Delegate) bool {
	if other.EndDate != nil && other.EndDate.Before(d.StartDate) {
		return false
	}
	if d.EndDate != nil && d.EndDate.Before(other.StartDate) {
		return false
	}
	return true
}

// PurchaseOrder carries the routing-relevant fields of an order. The order
// record is owned by the transaction subsystem; only the four routing fields
// are ever written from here.
type PurchaseOrder struct {
	ID                       string
	OrderNumber              string
	ApprovalFlow             string
	ApprovalLevel            string
	NextApprover             *string
	AssignedDelegateApprover *string
	IsDelegateActive         bool
	Status                   string
	Mainline                 bool
	TotalAmount              int64 // cents
}

// OrderRoutingUpdate is a partial update of the routing fields. Nil fields
// are left untouched; ClearAssignedDelegate nulls the delegate assignment.
type OrderRoutingUpdate struct {
	NextApprover             *string
	AssignedDelegateApprover *string
	ClearAssignedDelegate    bool
	IsDelegateActive         *bool
}

// IsZero reports whether the update would change nothing.
func (u OrderRoutingUpdate) IsZero() bool {
	return u.NextApprover == nil &&
		u.AssignedDelegateApprover == nil &&
		!u.ClearAssignedDelegate &&
		u.IsDelegateActive == nil
}

// RoutingAuditEntry is one immutable record of an engine mutation.
type RoutingAuditEntry struct {
	ID          string
	OrderID     string
	RunID       string
	Mode        string
	RoutingKey  string
	Action      string // reassigned | delegate_assigned | delegate_activated | delegate_unassigned
	Detail      map[string]interface{}
	PerformedAt time.Time
}
