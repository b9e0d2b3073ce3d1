package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// FlowConfigResolver resolves the active approver configuration for a flow.
type FlowConfigResolver interface {
	ResolveByFlow(ctx context.Context, flow string) (*repository.ApproverConfig, error)
}

// FlowThresholdResolver resolves the active threshold for a flow.
type FlowThresholdResolver interface {
	ResolveByFlow(ctx context.Context, flow string) (*repository.Threshold, error)
}

// ActiveDelegateResolver resolves the delegate currently standing in for a
// primary approver.
type ActiveDelegateResolver interface {
	ResolveActiveDelegate(ctx context.Context, primary string, asOf time.Time) (*string, error)
}

// AuditTrail reads the routing history the engine appends.
type AuditTrail interface {
	GetByOrderID(ctx context.Context, orderID string) ([]*repository.RoutingAuditEntry, error)
	GetByRunID(ctx context.Context, runID string) ([]*repository.RoutingAuditEntry, error)
}

// WorkflowService serves the lookups the order-approval workflow performs
// while routing a single order — which config and threshold govern its flow,
// and whether the chosen approver currently has an active delegate — plus
// the routing history reads used to trace what the engine did.
type WorkflowService struct {
	configs    FlowConfigResolver
	thresholds FlowThresholdResolver
	delegates  ActiveDelegateResolver
	audit      AuditTrail
	log        zerolog.Logger
	now        func() time.Time
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	configs FlowConfigResolver,
	thresholds FlowThresholdResolver,
	delegates ActiveDelegateResolver,
	audit AuditTrail,
	log zerolog.Logger,
) *WorkflowService {
	return &WorkflowService{
		configs:    configs,
		thresholds: thresholds,
		delegates:  delegates,
		audit:      audit,
		log:        log,
		now:        time.Now,
	}
}

// ResolveApproverConfig returns the active config for a flow. A duplicate
// active row surfaces as an integrity error, not a silent first match.
func (s *WorkflowService) ResolveApproverConfig(ctx context.Context, flow string) (*repository.ApproverConfig, error) {
	return s.configs.ResolveByFlow(ctx, flow)
}

// ResolveThreshold returns the active threshold for a flow.
func (s *WorkflowService) ResolveThreshold(ctx context.Context, flow string) (*repository.Threshold, error) {
	return s.thresholds.ResolveByFlow(ctx, flow)
}

// ResolveActiveDelegate returns the delegate approver currently covering a
// primary approver, or nil when no delegation window is in effect today.
func (s *WorkflowService) ResolveActiveDelegate(ctx context.Context, primary string) (*string, error) {
	return s.delegates.ResolveActiveDelegate(ctx, primary, s.now())
}

// OrderAuditTrail returns every routing mutation applied to an order,
// oldest first.
func (s *WorkflowService) OrderAuditTrail(ctx context.Context, orderID string) ([]*repository.RoutingAuditEntry, error) {
	return s.audit.GetByOrderID(ctx, orderID)
}

// RunAuditTrail returns every mutation a single reconciliation run applied.
func (s *WorkflowService) RunAuditTrail(ctx context.Context, runID string) ([]*repository.RoutingAuditEntry, error) {
	return s.audit.GetByRunID(ctx, runID)
}
