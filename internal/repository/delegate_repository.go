package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/database"
)

// DelegateRepository handles delegate_approvers records. A delegate record
// is effective while its date window covers the reference date and expired
// once a set end date has passed; both partitions drive reconciliation runs.
type DelegateRepository struct {
	db *database.DB
}

// NewDelegateRepository creates a new DelegateRepository.
func NewDelegateRepository(db *database.DB) *DelegateRepository {
	return &DelegateRepository{db: db}
}

// Create inserts a new active delegation. The existing active records for
// the primary are locked and checked inside one transaction so a concurrent
// write cannot slip a conflicting row in between check and insert.
func (r *DelegateRepository) Create(ctx context.Context, d *Delegate) error {
	if err := d.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO delegate_approvers
		    (primary_approver, delegate_approver, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, is_active, created_at, updated_at
	`

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		existing, err := r.activeForPrimary(ctx, tx, d.PrimaryApprover, "")
		if err != nil {
			return err
		}
		if err := checkDelegationConflicts(existing, d); err != nil {
			return err
		}

		return tx.QueryRow(ctx, query,
			d.PrimaryApprover,
			d.DelegateApprover,
			d.StartDate,
			d.EndDate,
		).Scan(&d.ID, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	})
}

// Update persists changes to an existing delegation.
func (r *DelegateRepository) Update(ctx context.Context, d *Delegate) error {
	if err := d.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE delegate_approvers
		SET primary_approver  = $2,
		    delegate_approver = $3,
		    start_date        = $4,
		    end_date          = $5,
		    is_active         = $6,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if d.IsActive {
			existing, err := r.activeForPrimary(ctx, tx, d.PrimaryApprover, d.ID)
			if err != nil {
				return err
			}
			if err := checkDelegationConflicts(existing, d); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, query,
			d.ID,
			d.PrimaryApprover,
			d.DelegateApprover,
			d.StartDate,
			d.EndDate,
			d.IsActive,
		).Scan(&d.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("delegate", d.ID)
		}
		return err
	})
}

// Delete hard-deletes a delegation record. Only the self-service surface
// clears records this way; administrative removal deactivates instead.
func (r *DelegateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM delegate_approvers WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to delete delegate")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("delegate", id)
	}
	return nil
}

// Deactivate soft-deletes a delegation record.
func (r *DelegateRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delegate_approvers SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to deactivate delegate")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("delegate", id)
	}
	return nil
}

// GetActiveByPrimary returns the first active delegation record owned by a
// primary approver, or nil when none exists. The self-service surface edits
// exactly one record per approver.
func (r *DelegateRepository) GetActiveByPrimary(ctx context.Context, primary string) (*Delegate, error) {
	rows, err := r.db.Query(ctx, selectDelegate+`
		WHERE primary_approver = $1 AND is_active = TRUE
		ORDER BY created_at ASC
		LIMIT 1`, primary)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to load delegation")
	}
	defer rows.Close()

	delegates, err := scanDelegates(rows)
	if err != nil {
		return nil, err
	}
	if len(delegates) == 0 {
		return nil, nil
	}
	return delegates[0], nil
}

// ListEffective returns active delegations whose window covers asOf: the
// driver set for DELEGATES and ACTIVATE_NEW_DELEGATIONS runs.
func (r *DelegateRepository) ListEffective(ctx context.Context, asOf time.Time) ([]*Delegate, error) {
	rows, err := r.db.Query(ctx, selectDelegate+`
		WHERE is_active = TRUE
		  AND start_date <= $1
		  AND (end_date IS NULL OR end_date >= $1)
		ORDER BY created_at ASC`, asOf)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list effective delegates")
	}
	defer rows.Close()

	return scanDelegates(rows)
}

// ListExpired returns active delegations whose end date has passed: the
// driver set for UNASSIGN_EXPIRED_DELEGATES runs.
func (r *DelegateRepository) ListExpired(ctx context.Context, asOf time.Time) ([]*Delegate, error) {
	rows, err := r.db.Query(ctx, selectDelegate+`
		WHERE is_active = TRUE
		  AND end_date IS NOT NULL
		  AND end_date < $1
		ORDER BY created_at ASC`, asOf)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list expired delegates")
	}
	defer rows.Close()

	return scanDelegates(rows)
}

// ResolveActiveDelegate returns the delegate approver currently standing in
// for a primary approver, or nil when no delegation is effective. Creation
// order breaks ties deterministically for pre-existing overlapping data.
func (r *DelegateRepository) ResolveActiveDelegate(ctx context.Context, primary string, asOf time.Time) (*string, error) {
	rows, err := r.db.Query(ctx, selectDelegate+`
		WHERE primary_approver = $1
		  AND is_active = TRUE
		  AND start_date <= $2
		  AND (end_date IS NULL OR end_date >= $2)
		ORDER BY created_at ASC
		LIMIT 1`, primary, asOf)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to resolve active delegate")
	}
	defer rows.Close()

	delegates, err := scanDelegates(rows)
	if err != nil {
		return nil, err
	}
	if len(delegates) == 0 {
		return nil, nil
	}
	return &delegates[0].DelegateApprover, nil
}

// activeForPrimary locks and returns the active delegations owned by a
// primary approver, excluding the row being updated.
func (r *DelegateRepository) activeForPrimary(ctx context.Context, tx pgx.Tx, primary, excludeID string) ([]*Delegate, error) {
	rows, err := tx.Query(ctx, selectDelegate+`
		WHERE primary_approver = $1
		  AND is_active = TRUE
		  AND id::text <> $2
		FOR UPDATE`, primary, excludeID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to load active delegations")
	}
	defer rows.Close()

	return scanDelegates(rows)
}

// checkDelegationConflicts rejects a write that would duplicate an active
// (primary, delegate, start, end) tuple or overlap another active window for
// the same primary. Duplicate pairs with disjoint windows are delegation
// history and allowed; the overlap rejection keeps the active-delegate
// lookup independent of store ordering.
func checkDelegationConflicts(existing []*Delegate, d *Delegate) error {
	for _, e := range existing {
		if e.DelegateApprover == d.DelegateApprover &&
			e.StartDate.Equal(d.StartDate) &&
			equalEndDates(e.EndDate, d.EndDate) {
			return apperr.Conflict("an identical active delegation already exists")
		}
		if e.Overlaps(d) {
			return apperr.Conflict("the delegation window overlaps an existing active delegation for this approver")
		}
	}
	return nil
}

func equalEndDates(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectDelegate = `
	SELECT id, primary_approver, delegate_approver, start_date, end_date,
	       is_active, created_at, updated_at
	FROM delegate_approvers`

func scanDelegates(rows pgx.Rows) ([]*Delegate, error) {
	var delegates []*Delegate
	for rows.Next() {
		d := &Delegate{}
		err := rows.Scan(
			&d.ID,
			&d.PrimaryApprover,
			&d.DelegateApprover,
			&d.StartDate,
			&d.EndDate,
			&d.IsActive,
			&d.CreatedAt,
			&d.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan delegate")
		}
		delegates = append(delegates, d)
	}
	return delegates, rows.Err()
}
