package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// ApproverDirectory answers whether a user holds any approver slot in an
// active configuration.
type ApproverDirectory interface {
	IsActiveApprover(ctx context.Context, userID string) (bool, error)
}

// OwnDelegateStore is the delegate surface the self-service flow needs: one
// record per approver, viewed, upserted or cleared by its owner.
type OwnDelegateStore interface {
	GetActiveByPrimary(ctx context.Context, primary string) (*repository.Delegate, error)
	Create(ctx context.Context, d *repository.Delegate) error
	Update(ctx context.Context, d *repository.Delegate) error
	Delete(ctx context.Context, id string) error
}

// Delegation status labels shown to the owning approver.
const (
	DelegationStatusActive    = "active"
	DelegationStatusScheduled = "scheduled"
	DelegationStatusExpired   = "expired"
	DelegationStatusNone      = "none"
)

// DelegationView is the owner-facing projection of a delegation record.
type DelegationView struct {
	ID               string     `json:"id,omitempty"`
	DelegateApprover string     `json:"delegate_approver,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	Status           string     `json:"status"`
}

// SaveDelegationRequest is the self-service upsert payload.
type SaveDelegationRequest struct {
	DelegateApprover string     `json:"delegate_approver"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date,omitempty"`
}

// DelegationService lets a primary approver manage exactly one delegation
// record of their own. Callers must already appear as an approver in an
// active configuration; everyone else is denied.
type DelegationService struct {
	approvers ApproverDirectory
	delegates OwnDelegateStore
	log       zerolog.Logger
	now       func() time.Time
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(approvers ApproverDirectory, delegates OwnDelegateStore, log zerolog.Logger) *DelegationService {
	return &DelegationService{approvers: approvers, delegates: delegates, log: log, now: time.Now}
}

// GetOwnDelegation returns the caller's delegation with a derived status.
func (s *DelegationService) GetOwnDelegation(ctx context.Context, userID string) (*DelegationView, error) {
	if err := s.assertApprover(ctx, userID); err != nil {
		return nil, err
	}

	d, err := s.delegates.GetActiveByPrimary(ctx, userID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return &DelegationView{Status: DelegationStatusNone}, nil
	}

	start := d.StartDate
	return &DelegationView{
		ID:               d.ID,
		DelegateApprover: d.DelegateApprover,
		StartDate:        &start,
		EndDate:          d.EndDate,
		Status:           s.statusOf(d),
	}, nil
}

// SaveOwnDelegation creates or updates the caller's delegation record.
func (s *DelegationService) SaveOwnDelegation(ctx context.Context, userID string, req *SaveDelegationRequest) (*DelegationView, error) {
	if err := s.assertApprover(ctx, userID); err != nil {
		return nil, err
	}
	if req.DelegateApprover == userID {
		return nil, apperr.InvalidInput("delegate_approver", "cannot delegate to self")
	}

	existing, err := s.delegates.GetActiveByPrimary(ctx, userID)
	if err != nil {
		return nil, err
	}

	d := &repository.Delegate{
		PrimaryApprover:  userID,
		DelegateApprover: req.DelegateApprover,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		IsActive:         true,
	}

	if existing != nil {
		d.ID = existing.ID
		err = s.delegates.Update(ctx, d)
	} else {
		err = s.delegates.Create(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("primary_approver", userID).
		Str("delegate_approver", d.DelegateApprover).
		Time("start_date", d.StartDate).
		Msg("Delegation saved")

	start := d.StartDate
	return &DelegationView{
		ID:               d.ID,
		DelegateApprover: d.DelegateApprover,
		StartDate:        &start,
		EndDate:          d.EndDate,
		Status:           s.statusOf(d),
	}, nil
}

// ClearOwnDelegation removes the caller's delegation record entirely.
// Self-service clearing hard-deletes; there is no history to preserve for a
// record its owner revoked.
func (s *DelegationService) ClearOwnDelegation(ctx context.Context, userID string) error {
	if err := s.assertApprover(ctx, userID); err != nil {
		return err
	}

	d, err := s.delegates.GetActiveByPrimary(ctx, userID)
	if err != nil {
		return err
	}
	if d == nil {
		return apperr.NotFound("delegation", userID)
	}

	if err := s.delegates.Delete(ctx, d.ID); err != nil {
		return err
	}

	s.log.Info().
		Str("primary_approver", userID).
		Str("delegate_approver", d.DelegateApprover).
		Msg("Delegation cleared")
	return nil
}

func (s *DelegationService) assertApprover(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.InvalidInput("user_id", "user is required")
	}
	ok, err := s.approvers.IsActiveApprover(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Unauthorized("user is not configured as an approver")
	}
	return nil
}

func (s *DelegationService) statusOf(d *repository.Delegate) string {
	now := s.now()
	switch {
	case d.EffectiveAt(now):
		return DelegationStatusActive
	case d.IsActive && d.StartDate.After(now):
		return DelegationStatusScheduled
	case d.ExpiredAt(now):
		return DelegationStatusExpired
	default:
		return DelegationStatusNone
	}
}
