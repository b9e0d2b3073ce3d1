package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// Audit actions recorded for applied mutations.
const (
	actionReassigned         = "reassigned"
	actionDelegateAssigned   = "delegate_assigned"
	actionDelegateActivated  = "delegate_activated"
	actionDelegateUnassigned = "delegate_unassigned"
)

// ConfigStore is the approver-configuration read surface the engine needs.
type ConfigStore interface {
	ListActive(ctx context.Context) ([]*repository.ApproverConfig, error)
}

// DelegateStore partitions delegate records into the effective and expired
// driver sets.
type DelegateStore interface {
	ListEffective(ctx context.Context, asOf time.Time) ([]*repository.Delegate, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]*repository.Delegate, error)
}

// OrderStore is the order-store surface the engine reads candidates from
// and writes routing fields to.
type OrderStore interface {
	ApproverTierOrders(ctx context.Context, approver, tier, flow string) ([]string, error)
	DelegateCandidateOrders(ctx context.Context, primary, delegate string, mode repository.CandidateMode) ([]string, error)
	UpdateRoutingFields(ctx context.Context, orderID string, update repository.OrderRoutingUpdate) error
}

// AuditStore appends routing audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.RoutingAuditEntry) error
}

// KeyedMutation is one planned unit of work: the orders under a routing key
// and the field values to converge them to.
type KeyedMutation struct {
	Key      string
	OrderIDs []string
	Update   repository.OrderRoutingUpdate
	Action   string
}

// RunSummary reports the outcome of one reconciliation run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Mode        Mode          `json:"mode"`
	Keys        int           `json:"keys"`
	Planned     int           `json:"planned"`
	Applied     int           `json:"applied"`
	Failed      int           `json:"failed"`
	SkippedRows int           `json:"skipped_rows"`
	Elapsed     time.Duration `json:"elapsed"`
}

// planner computes the keyed mutations for one mode. skipped counts driver
// rows abandoned because their candidate query failed; a non-nil error means
// the driver set itself could not be read and the run produced nothing.
type planner interface {
	plan(ctx context.Context) (mutations []KeyedMutation, skipped int, err error)
}

// ReconcileService converges order routing state to the current
// configuration. Each run is stateless: candidates are re-derived from
// current store state, so a partially completed run is finished by the next
// scheduled one and no checkpoint log is kept.
type ReconcileService struct {
	configs    ConfigStore
	delegates  DelegateStore
	orders     OrderStore
	audit      AuditStore
	log        zerolog.Logger
	maxWorkers int
	now        func() time.Time
}

// NewReconcileService creates a new ReconcileService. maxWorkers bounds the
// per-routing-key fan-out.
func NewReconcileService(
	configs ConfigStore,
	delegates DelegateStore,
	orders OrderStore,
	audit AuditStore,
	log zerolog.Logger,
	maxWorkers int,
) *ReconcileService {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &ReconcileService{
		configs:    configs,
		delegates:  delegates,
		orders:     orders,
		audit:      audit,
		log:        log,
		maxWorkers: maxWorkers,
		now:        time.Now,
	}
}

// Run executes one reconciliation pass. Routing keys are processed
// independently on a bounded pool; no ordering is guaranteed across keys and
// a failure under one key never affects its siblings.
func (s *ReconcileService) Run(ctx context.Context, mode Mode) (*RunSummary, error) {
	p, err := s.plannerFor(mode)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	start := s.now()
	log := s.log.With().Str("run_id", runID).Str("mode", mode.String()).Logger()

	mutations, skipped, err := p.plan(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{RunID: runID, Mode: mode, Keys: len(mutations), SkippedRows: skipped}
	for _, m := range mutations {
		summary.Planned += len(m.OrderIDs)
	}

	log.Info().
		Int("keys", summary.Keys).
		Int("planned", summary.Planned).
		Int("skipped_rows", skipped).
		Msg("Reconciliation run planned")

	workers := pool.NewWithResults[keyResult]().WithMaxGoroutines(s.maxWorkers)
	for _, m := range mutations {
		workers.Go(func() keyResult {
			return s.applyKey(ctx, log, runID, mode, m)
		})
	}
	for _, res := range workers.Wait() {
		summary.Applied += res.applied
		summary.Failed += res.failed
	}

	summary.Elapsed = s.now().Sub(start)
	log.Info().
		Int("applied", summary.Applied).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("Reconciliation run complete")

	return summary, nil
}

// plannerFor is the single mode dispatch point.
func (s *ReconcileService) plannerFor(mode Mode) (planner, error) {
	switch mode {
	case ModeApprovers:
		return &approversPlanner{configs: s.configs, orders: s.orders, log: s.log}, nil
	case ModeDelegates:
		return newDelegateAssignPlanner(s.delegates, s.orders, s.log, s.now), nil
	case ModeActivateNewDelegations:
		return newDelegateActivatePlanner(s.delegates, s.orders, s.log, s.now), nil
	case ModeUnassignExpiredDelegates:
		return newDelegateExpiryPlanner(s.delegates, s.orders, s.log, s.now), nil
	}
	_, err := ParseMode(mode.String())
	return nil, err
}

type keyResult struct {
	applied int
	failed  int
}

// applyKey writes one key's mutations order-by-order in selector order. A
// rejected write is logged with its routing context and skipped; the rest of
// the key proceeds. Every applied mutation is audited; audit failure is a
// warning, never an error.
func (s *ReconcileService) applyKey(ctx context.Context, log zerolog.Logger, runID string, mode Mode, m KeyedMutation) keyResult {
	var res keyResult
	for _, orderID := range m.OrderIDs {
		if err := s.orders.UpdateRoutingFields(ctx, orderID, m.Update); err != nil {
			log.Error().Err(err).
				Str("order_id", orderID).
				Str("routing_key", m.Key).
				Interface("update", m.Update).
				Msg("Order mutation rejected; continuing with remaining orders")
			res.failed++
			continue
		}
		res.applied++

		if err := s.audit.Append(ctx, &repository.RoutingAuditEntry{
			OrderID:    orderID,
			RunID:      runID,
			Mode:       mode.String(),
			RoutingKey: m.Key,
			Action:     m.Action,
			Detail:     auditDetail(m.Update),
		}); err != nil {
			log.Warn().Err(err).
				Str("order_id", orderID).
				Str("routing_key", m.Key).
				Msg("Failed to write routing audit entry")
		}
	}
	return res
}

func auditDetail(u repository.OrderRoutingUpdate) map[string]interface{} {
	detail := map[string]interface{}{}
	if u.NextApprover != nil {
		detail["next_approver"] = *u.NextApprover
	}
	if u.AssignedDelegateApprover != nil {
		detail["assigned_delegate_approver"] = *u.AssignedDelegateApprover
	}
	if u.ClearAssignedDelegate {
		detail["assigned_delegate_approver"] = nil
	}
	if u.IsDelegateActive != nil {
		detail["is_delegate_active"] = *u.IsDelegateActive
	}
	return detail
}

// ── APPROVERS planner ────────────────────────────────────────────────────────

// approversPlanner expands each active config into its populated approver
// slots and selects the orders at that slot's tier whose next approver has
// drifted from configuration. Slots are processed independently; if
// inconsistent configuration puts one order under two keys, the last applied
// write wins, which is safe because the mutation is an idempotent set.
type approversPlanner struct {
	configs ConfigStore
	orders  OrderStore
	log     zerolog.Logger
}

func (p *approversPlanner) plan(ctx context.Context) ([]KeyedMutation, int, error) {
	configs, err := p.configs.ListActive(ctx)
	if err != nil {
		return nil, 0, err
	}

	var mutations []KeyedMutation
	skipped := 0
	for _, cfg := range configs {
		for _, slot := range cfg.TierAssignments() {
			orderIDs, err := p.orders.ApproverTierOrders(ctx, slot.Approver, slot.Tier, cfg.ConfigType)
			if err != nil {
				p.log.Error().Err(err).
					Str("approver", slot.Approver).
					Str("tier", slot.Tier).
					Str("flow", cfg.ConfigType).
					Msg("Candidate query failed; skipping this slot")
				skipped++
				continue
			}
			if len(orderIDs) == 0 {
				continue
			}
			approver := slot.Approver
			mutations = append(mutations, KeyedMutation{
				Key:      approver + "|" + cfg.ConfigType,
				OrderIDs: orderIDs,
				Update:   repository.OrderRoutingUpdate{NextApprover: &approver},
				Action:   actionReassigned,
			})
		}
	}
	return mutations, skipped, nil
}

// ── Delegate planners ────────────────────────────────────────────────────────

// delegatePlanner covers the three delegation passes; each variant fixes its
// driver set, candidate predicate and mutation template at construction.
type delegatePlanner struct {
	orders    OrderStore
	log       zerolog.Logger
	drivers   func(ctx context.Context) ([]*repository.Delegate, error)
	candidate repository.CandidateMode
	update    func(delegate string) repository.OrderRoutingUpdate
	action    string
}

func newDelegateAssignPlanner(delegates DelegateStore, orders OrderStore, log zerolog.Logger, now func() time.Time) *delegatePlanner {
	return &delegatePlanner{
		orders:    orders,
		log:       log,
		drivers:   func(ctx context.Context) ([]*repository.Delegate, error) { return delegates.ListEffective(ctx, now()) },
		candidate: repository.CandidateAssign,
		update: func(delegate string) repository.OrderRoutingUpdate {
			// Assignment only; the active flag is flipped by a separate
			// ACTIVATE_NEW_DELEGATIONS pass.
			return repository.OrderRoutingUpdate{AssignedDelegateApprover: &delegate}
		},
		action: actionDelegateAssigned,
	}
}

func newDelegateActivatePlanner(delegates DelegateStore, orders OrderStore, log zerolog.Logger, now func() time.Time) *delegatePlanner {
	return &delegatePlanner{
		orders:    orders,
		log:       log,
		drivers:   func(ctx context.Context) ([]*repository.Delegate, error) { return delegates.ListEffective(ctx, now()) },
		candidate: repository.CandidateActivate,
		update: func(delegate string) repository.OrderRoutingUpdate {
			active := true
			return repository.OrderRoutingUpdate{AssignedDelegateApprover: &delegate, IsDelegateActive: &active}
		},
		action: actionDelegateActivated,
	}
}

func newDelegateExpiryPlanner(delegates DelegateStore, orders OrderStore, log zerolog.Logger, now func() time.Time) *delegatePlanner {
	return &delegatePlanner{
		orders:    orders,
		log:       log,
		drivers:   func(ctx context.Context) ([]*repository.Delegate, error) { return delegates.ListExpired(ctx, now()) },
		candidate: repository.CandidateUnassign,
		update: func(string) repository.OrderRoutingUpdate {
			// next_approver is left untouched: delegate assignment never
			// changed it, so clearing the delegate annotation reverts the
			// order to its primary approver implicitly.
			inactive := false
			return repository.OrderRoutingUpdate{ClearAssignedDelegate: true, IsDelegateActive: &inactive}
		},
		action: actionDelegateUnassigned,
	}
}

func (p *delegatePlanner) plan(ctx context.Context) ([]KeyedMutation, int, error) {
	records, err := p.drivers(ctx)
	if err != nil {
		return nil, 0, err
	}

	var mutations []KeyedMutation
	skipped := 0
	for _, d := range records {
		orderIDs, err := p.orders.DelegateCandidateOrders(ctx, d.PrimaryApprover, d.DelegateApprover, p.candidate)
		if err != nil {
			p.log.Error().Err(err).
				Str("primary_approver", d.PrimaryApprover).
				Str("delegate_approver", d.DelegateApprover).
				Msg("Candidate query failed; skipping this delegation")
			skipped++
			continue
		}
		if len(orderIDs) == 0 {
			continue
		}
		mutations = append(mutations, KeyedMutation{
			Key:      d.PrimaryApprover + "|" + d.DelegateApprover,
			OrderIDs: orderIDs,
			Update:   p.update(d.DelegateApprover),
			Action:   p.action,
		})
	}
	return mutations, skipped, nil
}
