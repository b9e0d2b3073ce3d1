package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/database"
)

// AuditRepository appends and reads immutable routing audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger
// so this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *RoutingAuditEntry) error {
	var detailJSON []byte
	if entry.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(entry.Detail)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to marshal audit detail")
		}
	}

	query := `
		INSERT INTO routing_audit_log
		    (order_id, run_id, mode, routing_key, action, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.OrderID,
		entry.RunID,
		entry.Mode,
		entry.RoutingKey,
		entry.Action,
		detailJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// GetByOrderID returns the routing history of an order, oldest first.
func (r *AuditRepository) GetByOrderID(ctx context.Context, orderID string) ([]*RoutingAuditEntry, error) {
	query := `
		SELECT id, order_id, run_id, mode, routing_key, action, detail, performed_at
		FROM routing_audit_log
		WHERE order_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get routing audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByRunID returns every mutation a single reconciliation run applied.
func (r *AuditRepository) GetByRunID(ctx context.Context, runID string) ([]*RoutingAuditEntry, error) {
	query := `
		SELECT id, order_id, run_id, mode, routing_key, action, detail, performed_at
		FROM routing_audit_log
		WHERE run_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get run audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*RoutingAuditEntry, error) {
	var entries []*RoutingAuditEntry
	for rows.Next() {
		entry := &RoutingAuditEntry{}
		var detailJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.OrderID,
			&entry.RunID,
			&entry.Mode,
			&entry.RoutingKey,
			&entry.Action,
			&detailJSON,
			&entry.PerformedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan audit entry")
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal audit detail")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
