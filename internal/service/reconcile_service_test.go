package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// ── in-memory fakes ──────────────────────────────────────────────────────────

type fakeConfigStore struct {
	configs []*repository.ApproverConfig
	err     error
	calls   int
}

func (f *fakeConfigStore) ListActive(context.Context) ([]*repository.ApproverConfig, error) {
	f.calls++
	return f.configs, f.err
}

type fakeDelegateStore struct {
	effective []*repository.Delegate
	expired   []*repository.Delegate
	calls     int
}

func (f *fakeDelegateStore) ListEffective(context.Context, time.Time) ([]*repository.Delegate, error) {
	f.calls++
	return f.effective, nil
}

func (f *fakeDelegateStore) ListExpired(context.Context, time.Time) ([]*repository.Delegate, error) {
	f.calls++
	return f.expired, nil
}

// fakeOrderStore mirrors the candidate predicates of the real adapter over an
// in-memory order map, so a mutation applied by one pass changes what the
// next pass selects.
type fakeOrderStore struct {
	mu          sync.Mutex
	orders      map[string]*repository.PurchaseOrder
	failUpdates map[string]error // orderID -> injected write failure
	failSlots   map[string]error // approver -> injected tier-query failure
}

func newFakeOrderStore(orders ...*repository.PurchaseOrder) *fakeOrderStore {
	m := make(map[string]*repository.PurchaseOrder, len(orders))
	for _, o := range orders {
		m[o.ID] = o
	}
	return &fakeOrderStore{
		orders:      m,
		failUpdates: map[string]error{},
		failSlots:   map[string]error{},
	}
}

func (f *fakeOrderStore) ApproverTierOrders(_ context.Context, approver, tier, flow string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSlots[approver]; err != nil {
		return nil, err
	}

	var ids []string
	for _, o := range f.orders {
		if o.Status != repository.StatusPendingApproval || !o.Mainline {
			continue
		}
		if o.ApprovalFlow != flow || o.ApprovalLevel != tier {
			continue
		}
		if o.NextApprover != nil && *o.NextApprover == approver {
			continue
		}
		ids = append(ids, o.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeOrderStore) DelegateCandidateOrders(_ context.Context, primary, delegate string, mode repository.CandidateMode) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for _, o := range f.orders {
		if o.Status != repository.StatusPendingApproval || !o.Mainline {
			continue
		}
		if o.NextApprover == nil || *o.NextApprover != primary {
			continue
		}
		switch mode {
		case repository.CandidateAssign:
			if o.AssignedDelegateApprover != nil && *o.AssignedDelegateApprover == delegate {
				continue
			}
		case repository.CandidateActivate:
			if o.IsDelegateActive {
				continue
			}
		case repository.CandidateUnassign:
			if o.AssignedDelegateApprover == nil || *o.AssignedDelegateApprover != delegate || !o.IsDelegateActive {
				continue
			}
		}
		ids = append(ids, o.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeOrderStore) UpdateRoutingFields(_ context.Context, orderID string, update repository.OrderRoutingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpdates[orderID]; err != nil {
		return err
	}

	o, ok := f.orders[orderID]
	if !ok {
		return apperr.NotFound("purchase_order", orderID)
	}
	if update.NextApprover != nil {
		v := *update.NextApprover
		o.NextApprover = &v
	}
	if update.ClearAssignedDelegate {
		o.AssignedDelegateApprover = nil
	} else if update.AssignedDelegateApprover != nil {
		v := *update.AssignedDelegateApprover
		o.AssignedDelegateApprover = &v
	}
	if update.IsDelegateActive != nil {
		o.IsDelegateActive = *update.IsDelegateActive
	}
	return nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*repository.RoutingAuditEntry
	err     error
}

func (f *fakeAuditStore) Append(_ context.Context, entry *repository.RoutingAuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func ptr(s string) *string { return &s }

func pendingOrder(id, flow, tier, next string) *repository.PurchaseOrder {
	o := &repository.PurchaseOrder{
		ID:            id,
		OrderNumber:   "PO-" + id,
		ApprovalFlow:  flow,
		ApprovalLevel: tier,
		Status:        repository.StatusPendingApproval,
		Mainline:      true,
	}
	if next != "" {
		o.NextApprover = &next
	}
	return o
}

func newEngine(configs *fakeConfigStore, delegates *fakeDelegateStore, orders *fakeOrderStore, audit *fakeAuditStore) *ReconcileService {
	return NewReconcileService(configs, delegates, orders, audit, zerolog.Nop(), 4)
}

// ── APPROVERS mode ───────────────────────────────────────────────────────────

func TestRunApproversConvergesDriftedOrders(t *testing.T) {
	configs := &fakeConfigStore{configs: []*repository.ApproverConfig{{
		ConfigType:        "CAPEX",
		PrimaryApprover:   "E-NEW",
		SecondaryApprover: ptr("E-SEC"),
	}}}
	orders := newFakeOrderStore(
		pendingOrder("o1", "CAPEX", repository.TierOne, "E-OLD"),
		pendingOrder("o2", "CAPEX", repository.TierOne, ""),
		pendingOrder("o3", "CAPEX", repository.TierOne, "E-NEW"), // already aligned
		pendingOrder("o4", "CAPEX", repository.TierTwo, "E-OLD"),
		pendingOrder("o5", "OPEX", repository.TierOne, "E-OLD"), // other flow
	)
	audit := &fakeAuditStore{}
	svc := newEngine(configs, &fakeDelegateStore{}, orders, audit)

	summary, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Planned, "o1, o2 at tier 1 and o4 at tier 2")
	assert.Equal(t, 3, summary.Applied)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.SkippedRows)
	assert.NotEmpty(t, summary.RunID)

	assert.Equal(t, "E-NEW", *orders.orders["o1"].NextApprover)
	assert.Equal(t, "E-NEW", *orders.orders["o2"].NextApprover)
	assert.Equal(t, "E-SEC", *orders.orders["o4"].NextApprover)
	assert.Equal(t, "E-OLD", *orders.orders["o5"].NextApprover, "other flow untouched")

	require.Len(t, audit.entries, 3)
	for _, e := range audit.entries {
		assert.Equal(t, summary.RunID, e.RunID)
		assert.Equal(t, "reassigned", e.Action)
	}
}

func TestRunApproversSecondRunPlansNothing(t *testing.T) {
	configs := &fakeConfigStore{configs: []*repository.ApproverConfig{{
		ConfigType:      "CAPEX",
		PrimaryApprover: "E-NEW",
	}}}
	orders := newFakeOrderStore(pendingOrder("o1", "CAPEX", repository.TierOne, "E-OLD"))
	svc := newEngine(configs, &fakeDelegateStore{}, orders, &fakeAuditStore{})

	first, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)

	second, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)
	assert.Zero(t, second.Planned, "converged state selects no candidates")
	assert.Zero(t, second.Applied)
}

func TestRunApproversRoutingKeyIsApproverAndFlow(t *testing.T) {
	configs := &fakeConfigStore{configs: []*repository.ApproverConfig{{
		ConfigType:      "CAPEX",
		PrimaryApprover: "E100",
	}}}
	orders := newFakeOrderStore(pendingOrder("o1", "CAPEX", repository.TierOne, "E-OLD"))
	audit := &fakeAuditStore{}
	svc := newEngine(configs, &fakeDelegateStore{}, orders, audit)

	_, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "E100|CAPEX", audit.entries[0].RoutingKey)
}

func TestRunApproversSlotFailureSkipsOnlyThatSlot(t *testing.T) {
	configs := &fakeConfigStore{configs: []*repository.ApproverConfig{{
		ConfigType:        "CAPEX",
		PrimaryApprover:   "E-BAD",
		SecondaryApprover: ptr("E-OK"),
	}}}
	orders := newFakeOrderStore(
		pendingOrder("o1", "CAPEX", repository.TierOne, "E-OLD"),
		pendingOrder("o2", "CAPEX", repository.TierTwo, "E-OLD"),
	)
	orders.failSlots["E-BAD"] = errors.New("store timeout")
	svc := newEngine(configs, &fakeDelegateStore{}, orders, &fakeAuditStore{})

	summary, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedRows)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, "E-OLD", *orders.orders["o1"].NextApprover, "failed slot left alone")
	assert.Equal(t, "E-OK", *orders.orders["o2"].NextApprover)
}

func TestRunApproversDriverFailureAbortsRun(t *testing.T) {
	configs := &fakeConfigStore{err: errors.New("connection refused")}
	svc := newEngine(configs, &fakeDelegateStore{}, newFakeOrderStore(), &fakeAuditStore{})

	_, err := svc.Run(context.Background(), ModeApprovers)
	assert.Error(t, err)
}

func TestRunPerOrderFailureDoesNotAbortKey(t *testing.T) {
	configs := &fakeConfigStore{configs: []*repository.ApproverConfig{{
		ConfigType:      "CAPEX",
		PrimaryApprover: "E-NEW",
	}}}
	orders := newFakeOrderStore(
		pendingOrder("o1", "CAPEX", repository.TierOne, "E-OLD"),
		pendingOrder("o2", "CAPEX", repository.TierOne, "E-OLD"),
		pendingOrder("o3", "CAPEX", repository.TierOne, "E-OLD"),
	)
	orders.failUpdates["o2"] = errors.New("record locked")
	audit := &fakeAuditStore{}
	svc := newEngine(configs, &fakeDelegateStore{}, orders, audit)

	summary, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Planned)
	assert.Equal(t, 2, summary.Applied)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, "E-NEW", *orders.orders["o1"].NextApprover)
	assert.Equal(t, "E-OLD", *orders.orders["o2"].NextApprover, "failed order unchanged, next run retries")
	assert.Equal(t, "E-NEW", *orders.orders["o3"].NextApprover)
	assert.Len(t, audit.entries, 2, "only applied mutations audited")
}

func TestRunAuditFailureDoesNotFailMutation(t *testing.T) {
	configs := &fakeConfigStore{configs: []*repository.ApproverConfig{{
		ConfigType:      "CAPEX",
		PrimaryApprover: "E-NEW",
	}}}
	orders := newFakeOrderStore(pendingOrder("o1", "CAPEX", repository.TierOne, "E-OLD"))
	svc := newEngine(configs, &fakeDelegateStore{}, orders, &fakeAuditStore{err: errors.New("audit store down")})

	summary, err := svc.Run(context.Background(), ModeApprovers)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Zero(t, summary.Failed)
}

// ── delegation lifecycle ─────────────────────────────────────────────────────

func TestDelegationLifecycleAcrossModes(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	delegation := &repository.Delegate{
		PrimaryApprover:  "E100",
		DelegateApprover: "E200",
		StartDate:        start,
		EndDate:          &end,
		IsActive:         true,
	}

	delegates := &fakeDelegateStore{}
	orders := newFakeOrderStore(
		pendingOrder("o1", "CAPEX", repository.TierOne, "E100"),
		pendingOrder("o2", "CAPEX", repository.TierTwo, "E100"),
		pendingOrder("o3", "CAPEX", repository.TierOne, "E999"), // different approver
	)
	audit := &fakeAuditStore{}
	svc := newEngine(&fakeConfigStore{}, delegates, orders, audit)
	ctx := context.Background()

	// Inside the window the record drives the assign and activate passes.
	delegates.effective = []*repository.Delegate{delegation}

	summary, err := svc.Run(ctx, ModeDelegates)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Applied)

	assert.Equal(t, "E200", *orders.orders["o1"].AssignedDelegateApprover)
	assert.False(t, orders.orders["o1"].IsDelegateActive, "assignment pass does not activate")
	assert.Equal(t, "E100", *orders.orders["o1"].NextApprover, "next approver untouched")
	assert.Nil(t, orders.orders["o3"].AssignedDelegateApprover)

	// Re-running the assign pass is a no-op once converged.
	summary, err = svc.Run(ctx, ModeDelegates)
	require.NoError(t, err)
	assert.Zero(t, summary.Planned)

	summary, err = svc.Run(ctx, ModeActivateNewDelegations)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Applied)
	assert.True(t, orders.orders["o1"].IsDelegateActive)
	assert.True(t, orders.orders["o2"].IsDelegateActive)

	// The window lapses: the record moves from the effective to the expired
	// driver set and the unassign pass reverts the annotations.
	delegates.effective = nil
	delegates.expired = []*repository.Delegate{delegation}

	summary, err = svc.Run(ctx, ModeUnassignExpiredDelegates)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Applied)

	o1 := orders.orders["o1"]
	assert.Nil(t, o1.AssignedDelegateApprover)
	assert.False(t, o1.IsDelegateActive)
	assert.Equal(t, "E100", *o1.NextApprover, "reversion is implicit, next approver was never changed")

	// A second expiry pass finds no candidates.
	summary, err = svc.Run(ctx, ModeUnassignExpiredDelegates)
	require.NoError(t, err)
	assert.Zero(t, summary.Planned)

	var actions []string
	for _, e := range audit.entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{
		"delegate_assigned", "delegate_assigned",
		"delegate_activated", "delegate_activated",
		"delegate_unassigned", "delegate_unassigned",
	}, actions)
}

func TestDelegateKeyIsPrimaryAndDelegate(t *testing.T) {
	delegates := &fakeDelegateStore{effective: []*repository.Delegate{{
		PrimaryApprover:  "E100",
		DelegateApprover: "E200",
		StartDate:        time.Now(),
		IsActive:         true,
	}}}
	orders := newFakeOrderStore(pendingOrder("o1", "CAPEX", repository.TierOne, "E100"))
	audit := &fakeAuditStore{}
	svc := newEngine(&fakeConfigStore{}, delegates, orders, audit)

	_, err := svc.Run(context.Background(), ModeDelegates)
	require.NoError(t, err)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "E100|E200", audit.entries[0].RoutingKey)
}

// ── mode validation ──────────────────────────────────────────────────────────

func TestRunRejectsUnknownModeBeforeStoreAccess(t *testing.T) {
	configs := &fakeConfigStore{}
	delegates := &fakeDelegateStore{}
	svc := newEngine(configs, delegates, newFakeOrderStore(), &fakeAuditStore{})

	_, err := svc.Run(context.Background(), Mode("EVERYTHING"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
	assert.Zero(t, configs.calls, "no store access on an invalid mode")
	assert.Zero(t, delegates.calls)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{
		"APPROVERS", "DELEGATES", "ACTIVATE_NEW_DELEGATIONS", "UNASSIGN_EXPIRED_DELEGATES",
	} {
		mode, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, mode.String())
	}

	for _, invalid := range []string{"", "approvers", "DELEGATE", "ALL"} {
		_, err := ParseMode(invalid)
		require.Error(t, err, invalid)
		assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
	}
}
