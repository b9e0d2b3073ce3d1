package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/database"
)

// ThresholdRepository handles CRUD for approval_thresholds. Limit ordering
// and active-flow uniqueness are validated at write time; the batch engine
// never corrects a violation it finds.
type ThresholdRepository struct {
	db *database.DB
}

// NewThresholdRepository creates a new ThresholdRepository.
func NewThresholdRepository(db *database.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

// Create inserts a new active threshold, locking and checking the flow's
// existing active rows in the same transaction.
func (r *ThresholdRepository) Create(ctx context.Context, t *Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO approval_thresholds
		    (threshold_type, auto_approval_limit, tier1_limit, tier2_limit, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, is_active, created_at, updated_at
	`

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		existing, err := r.activeForFlow(ctx, tx, t.ThresholdType, "")
		if err != nil {
			return err
		}
		if err := checkThresholdFlowAvailable(existing, t.ThresholdType); err != nil {
			return err
		}

		return tx.QueryRow(ctx, query,
			t.ThresholdType,
			t.AutoApprovalLimit,
			t.Tier1Limit,
			t.Tier2Limit,
		).Scan(&t.ID, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	})
}

// Update persists changes to an existing threshold.
func (r *ThresholdRepository) Update(ctx context.Context, t *Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE approval_thresholds
		SET threshold_type      = $2,
		    auto_approval_limit = $3,
		    tier1_limit         = $4,
		    tier2_limit         = $5,
		    is_active           = $6,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if t.IsActive {
			existing, err := r.activeForFlow(ctx, tx, t.ThresholdType, t.ID)
			if err != nil {
				return err
			}
			if err := checkThresholdFlowAvailable(existing, t.ThresholdType); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, query,
			t.ID,
			t.ThresholdType,
			t.AutoApprovalLimit,
			t.Tier1Limit,
			t.Tier2Limit,
			t.IsActive,
		).Scan(&t.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("threshold", t.ID)
		}
		return err
	})
}

// Deactivate soft-deletes a threshold.
func (r *ThresholdRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE approval_thresholds SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to deactivate threshold")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("threshold", id)
	}
	return nil
}

// ListActive returns all active thresholds.
func (r *ThresholdRepository) ListActive(ctx context.Context) ([]*Threshold, error) {
	rows, err := r.db.Query(ctx, selectThreshold+`
		WHERE is_active = TRUE
		ORDER BY threshold_type ASC, created_at ASC`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list thresholds")
	}
	defer rows.Close()

	return scanThresholds(rows)
}

// ResolveByFlow returns the active threshold for a flow, signalling an
// integrity error when the uniqueness invariant is violated.
func (r *ThresholdRepository) ResolveByFlow(ctx context.Context, flow string) (*Threshold, error) {
	rows, err := r.db.Query(ctx, selectThreshold+`
		WHERE threshold_type = $1 AND is_active = TRUE
		ORDER BY created_at ASC
		LIMIT 2`, flow)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to resolve threshold")
	}
	defer rows.Close()

	thresholds, err := scanThresholds(rows)
	if err != nil {
		return nil, err
	}
	switch len(thresholds) {
	case 0:
		return nil, apperr.NotFound("threshold", flow)
	case 1:
		return thresholds[0], nil
	default:
		return nil, apperr.Integrity("multiple active thresholds for flow " + flow)
	}
}

// activeForFlow locks and returns the active thresholds on a flow,
// excluding the row being updated.
func (r *ThresholdRepository) activeForFlow(ctx context.Context, tx pgx.Tx, flow, excludeID string) ([]*Threshold, error) {
	rows, err := tx.Query(ctx, selectThreshold+`
		WHERE threshold_type = $1 AND is_active = TRUE AND id::text <> $2
		FOR UPDATE`, flow, excludeID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to load active thresholds for flow")
	}
	defer rows.Close()

	return scanThresholds(rows)
}

// checkThresholdFlowAvailable rejects a write that would produce a second
// active threshold for the same flow.
func checkThresholdFlowAvailable(existing []*Threshold, flow string) error {
	if len(existing) > 0 {
		return apperr.Conflict("an active threshold already exists for flow " + flow)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectThreshold = `
	SELECT id, threshold_type, auto_approval_limit, tier1_limit, tier2_limit,
	       is_active, created_at, updated_at
	FROM approval_thresholds`

func scanThresholds(rows pgx.Rows) ([]*Threshold, error) {
	var thresholds []*Threshold
	for rows.Next() {
		t := &Threshold{}
		err := rows.Scan(
			&t.ID,
			&t.ThresholdType,
			&t.AutoApprovalLimit,
			&t.Tier1Limit,
			&t.Tier2Limit,
			&t.IsActive,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan threshold")
		}
		thresholds = append(thresholds, t)
	}
	return thresholds, rows.Err()
}
