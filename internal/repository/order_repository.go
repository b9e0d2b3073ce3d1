package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/database"
)

// CandidateMode selects the delegate-candidate predicate.
type CandidateMode int

const (
	// CandidateAssign selects orders not yet pointing at this delegate.
	CandidateAssign CandidateMode = iota
	// CandidateActivate selects orders with delegation not yet flagged active.
	CandidateActivate
	// CandidateUnassign selects orders still actively pointing at an expired
	// delegate.
	CandidateUnassign
)

// OrderRepository is the read/write adapter over the external order store.
// Orders are owned by the transaction subsystem; this adapter reads routing
// candidates and writes only the routing fields, one record at a time, with
// no cross-order transactionality. All reads are keyset-paged.
type OrderRepository struct {
	db       *database.DB
	pageSize int
}

// NewOrderRepository creates a new OrderRepository with the given page size
// bound for store reads.
func NewOrderRepository(db *database.DB, pageSize int) *OrderRepository {
	if pageSize < 1 {
		pageSize = 500
	}
	return &OrderRepository{db: db, pageSize: pageSize}
}

// ApproverTierOrders returns ids of open mainline orders on the flow at the
// given tier whose next approver is not the given approver — the candidates
// still needing reassignment.
func (r *OrderRepository) ApproverTierOrders(ctx context.Context, approver, tier, flow string) ([]string, error) {
	return r.pagedIDs(ctx, `
		SELECT id FROM purchase_orders
		WHERE status = $1
		  AND mainline = TRUE
		  AND approval_flow = $2
		  AND approval_level = $3
		  AND (next_approver IS NULL OR next_approver <> $4)
		  AND id > $5
		ORDER BY id ASC
		LIMIT $6`,
		StatusPendingApproval, flow, tier, approver)
}

// DelegateCandidateOrders returns ids of open mainline orders whose next
// approver is the primary, filtered by the per-mode delegate predicate.
func (r *OrderRepository) DelegateCandidateOrders(ctx context.Context, primary, delegate string, mode CandidateMode) ([]string, error) {
	args := []any{StatusPendingApproval, primary}
	var predicate string
	switch mode {
	case CandidateAssign:
		args = append(args, delegate)
		predicate = `(assigned_delegate_approver IS NULL OR assigned_delegate_approver <> $3)`
	case CandidateActivate:
		predicate = `is_delegate_active = FALSE`
	case CandidateUnassign:
		args = append(args, delegate)
		predicate = `assigned_delegate_approver = $3 AND is_delegate_active = TRUE`
	default:
		return nil, apperr.Newf(apperr.CodeInvalidInput, "unknown candidate mode %d", mode)
	}

	query := fmt.Sprintf(`
		SELECT id FROM purchase_orders
		WHERE status = $1
		  AND mainline = TRUE
		  AND next_approver = $2
		  AND %s
		  AND id > $%d
		ORDER BY id ASC
		LIMIT $%d`, predicate, len(args)+1, len(args)+2)

	return r.pagedIDs(ctx, query, args...)
}

// PendingApprovalOrders returns open mainline orders with a next approver,
// the input set for the notification run.
func (r *OrderRepository) PendingApprovalOrders(ctx context.Context) ([]*PurchaseOrder, error) {
	var out []*PurchaseOrder
	lastID := ""
	for {
		rows, err := r.db.Query(ctx, `
			SELECT id, order_number, approval_flow, approval_level, next_approver,
			       assigned_delegate_approver, is_delegate_active, status, mainline, total_amount
			FROM purchase_orders
			WHERE status = $1
			  AND mainline = TRUE
			  AND next_approver IS NOT NULL
			  AND id > $2
			ORDER BY id ASC
			LIMIT $3`,
			StatusPendingApproval, lastID, r.pageSize)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to query pending orders")
		}

		page, err := scanOrders(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < r.pageSize {
			return out, nil
		}
		lastID = page[len(page)-1].ID
	}
}

// UpdateRoutingFields applies a partial update to one order, touching only
// the routing fields. Dependent-field recalculation and mandatory-field
// checks do not apply to these system-driven writes.
func (r *OrderRepository) UpdateRoutingFields(ctx context.Context, orderID string, update OrderRoutingUpdate) error {
	if update.IsZero() {
		return nil
	}

	sets := make([]string, 0, 3)
	args := []any{orderID}

	if update.NextApprover != nil {
		args = append(args, *update.NextApprover)
		sets = append(sets, fmt.Sprintf("next_approver = $%d", len(args)))
	}
	if update.ClearAssignedDelegate {
		sets = append(sets, "assigned_delegate_approver = NULL")
	} else if update.AssignedDelegateApprover != nil {
		args = append(args, *update.AssignedDelegateApprover)
		sets = append(sets, fmt.Sprintf("assigned_delegate_approver = $%d", len(args)))
	}
	if update.IsDelegateActive != nil {
		args = append(args, *update.IsDelegateActive)
		sets = append(sets, fmt.Sprintf("is_delegate_active = $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE purchase_orders SET %s WHERE id = $1`, strings.Join(sets, ", "))

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update order routing fields")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("purchase_order", orderID)
	}
	return nil
}

// pagedIDs runs an id-selecting query whose last two placeholders are the
// keyset cursor and the page size, and drains all pages.
func (r *OrderRepository) pagedIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	var out []string
	lastID := ""
	for {
		pageArgs := append(append([]any{}, args...), lastID, r.pageSize)
		rows, err := r.db.Query(ctx, query, pageArgs...)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to query candidate orders")
		}

		count := 0
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan order id")
			}
			out = append(out, id)
			count++
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to read candidate orders")
		}
		if count < r.pageSize {
			return out, nil
		}
		lastID = out[len(out)-1]
	}
}

func scanOrders(rows pgx.Rows) ([]*PurchaseOrder, error) {
	var orders []*PurchaseOrder
	for rows.Next() {
		o := &PurchaseOrder{}
		err := rows.Scan(
			&o.ID,
			&o.OrderNumber,
			&o.ApprovalFlow,
			&o.ApprovalLevel,
			&o.NextApprover,
			&o.AssignedDelegateApprover,
			&o.IsDelegateActive,
			&o.Status,
			&o.Mainline,
			&o.TotalAmount,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan purchase order")
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
