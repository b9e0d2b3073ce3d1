package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/database"
)

// ApproverConfigRepository handles CRUD for approver_configs. Uniqueness of
// the active config per flow is enforced here at write time; the resolver
// treats a second active match as a data-integrity signal.
type ApproverConfigRepository struct {
	db *database.DB
}

// NewApproverConfigRepository creates a new ApproverConfigRepository.
func NewApproverConfigRepository(db *database.DB) *ApproverConfigRepository {
	return &ApproverConfigRepository{db: db}
}

// Create inserts a new active approver config. The flow's existing active
// rows are locked and checked inside one transaction, so two concurrent
// creates cannot both pass the uniqueness check.
func (r *ApproverConfigRepository) Create(ctx context.Context, cfg *ApproverConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO approver_configs
		    (config_type, primary_approver, secondary_approver, tertiary_approver, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, is_active, created_at, updated_at
	`

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		existing, err := r.activeForFlow(ctx, tx, cfg.ConfigType, "")
		if err != nil {
			return err
		}
		if err := checkConfigFlowAvailable(existing, cfg.ConfigType); err != nil {
			return err
		}

		return tx.QueryRow(ctx, query,
			cfg.ConfigType,
			cfg.PrimaryApprover,
			cfg.SecondaryApprover,
			cfg.TertiaryApprover,
		).Scan(&cfg.ID, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt)
	})
}

// Update persists changes to an existing config.
func (r *ApproverConfigRepository) Update(ctx context.Context, cfg *ApproverConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE approver_configs
		SET config_type        = $2,
		    primary_approver   = $3,
		    secondary_approver = $4,
		    tertiary_approver  = $5,
		    is_active          = $6,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if cfg.IsActive {
			existing, err := r.activeForFlow(ctx, tx, cfg.ConfigType, cfg.ID)
			if err != nil {
				return err
			}
			if err := checkConfigFlowAvailable(existing, cfg.ConfigType); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, query,
			cfg.ID,
			cfg.ConfigType,
			cfg.PrimaryApprover,
			cfg.SecondaryApprover,
			cfg.TertiaryApprover,
			cfg.IsActive,
		).Scan(&cfg.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("approver_config", cfg.ID)
		}
		return err
	})
}

// Deactivate soft-deletes a config. Administrative removal never physically
// deletes configuration records.
func (r *ApproverConfigRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE approver_configs SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to deactivate approver config")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("approver_config", id)
	}
	return nil
}

// ListActive returns all active configs, the driver set for the APPROVERS
// reconciliation mode.
func (r *ApproverConfigRepository) ListActive(ctx context.Context) ([]*ApproverConfig, error) {
	rows, err := r.db.Query(ctx, selectApproverConfig+`
		WHERE is_active = TRUE
		ORDER BY config_type ASC, created_at ASC`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list approver configs")
	}
	defer rows.Close()

	return scanApproverConfigs(rows)
}

// ResolveByFlow returns the active config for a flow. A second active match
// indicates that the write-time uniqueness constraint was bypassed and is
// surfaced as an integrity error rather than silently ignored.
func (r *ApproverConfigRepository) ResolveByFlow(ctx context.Context, flow string) (*ApproverConfig, error) {
	rows, err := r.db.Query(ctx, selectApproverConfig+`
		WHERE config_type = $1 AND is_active = TRUE
		ORDER BY created_at ASC
		LIMIT 2`, flow)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to resolve approver config")
	}
	defer rows.Close()

	configs, err := scanApproverConfigs(rows)
	if err != nil {
		return nil, err
	}
	switch len(configs) {
	case 0:
		return nil, apperr.NotFound("approver_config", flow)
	case 1:
		return configs[0], nil
	default:
		return nil, apperr.Integrity("multiple active approver configs for flow " + flow)
	}
}

// IsActiveApprover reports whether the user appears in any approver slot of
// an active config. The self-service delegation surface requires this.
func (r *ApproverConfigRepository) IsActiveApprover(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM approver_configs
			WHERE is_active = TRUE
			  AND (primary_approver = $1 OR secondary_approver = $1 OR tertiary_approver = $1)
		)`, userID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to check approver membership")
	}
	return exists, nil
}

// activeForFlow locks and returns the active configs on a flow, excluding
// the row being updated.
func (r *ApproverConfigRepository) activeForFlow(ctx context.Context, tx pgx.Tx, flow, excludeID string) ([]*ApproverConfig, error) {
	rows, err := tx.Query(ctx, selectApproverConfig+`
		WHERE config_type = $1 AND is_active = TRUE AND id::text <> $2
		FOR UPDATE`, flow, excludeID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to load active configs for flow")
	}
	defer rows.Close()

	return scanApproverConfigs(rows)
}

// checkConfigFlowAvailable rejects a write that would produce a second
// active config for the same flow.
func checkConfigFlowAvailable(existing []*ApproverConfig, flow string) error {
	if len(existing) > 0 {
		return apperr.Conflict("an active approver config already exists for flow " + flow)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectApproverConfig = `
	SELECT id, config_type, primary_approver, secondary_approver, tertiary_approver,
	       is_active, created_at, updated_at
	FROM approver_configs`

func scanApproverConfigs(rows pgx.Rows) ([]*ApproverConfig, error) {
	var configs []*ApproverConfig
	for rows.Next() {
		cfg := &ApproverConfig{}
		err := rows.Scan(
			&cfg.ID,
			&cfg.ConfigType,
			&cfg.PrimaryApprover,
			&cfg.SecondaryApprover,
			&cfg.TertiaryApprover,
			&cfg.IsActive,
			&cfg.CreatedAt,
			&cfg.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan approver config")
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
