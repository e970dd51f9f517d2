package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ApproverRepository handles approvers and their per-request assignments.
// Initial assignment happens in RequestRepository.Create (transactionally).
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

const approverColumns = `
	id, kind, display_name, weight, sequence_order, superior_id,
	department, role_name, is_active, created_at, updated_at`

// GetByID retrieves an approver by primary key.
func (r *ApproverRepository) GetByID(ctx context.Context, id string) (*Approver, error) {
	query := `SELECT` + approverColumns + ` FROM approvers WHERE id = $1`

	a, err := r.scanApprover(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approver", id)
	}
	return a, err
}

// GetSuperior returns the superior of the given approver, or nil when the
// approver has no superior configured.
func (r *ApproverRepository) GetSuperior(ctx context.Context, approverID string) (*Approver, error) {
	query := `
		SELECT` + approverColumns + `
		FROM approvers
		WHERE id = (SELECT superior_id FROM approvers WHERE id = $1)
		  AND is_active = TRUE
	`

	a, err := r.scanApprover(r.db.QueryRow(ctx, query, approverID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListUnassigned returns up to limit active approvers that are not yet
// assigned to the request, ordered by sequence then name for stability.
func (r *ApproverRepository) ListUnassigned(ctx context.Context, requestID string, limit int) ([]*Approver, error) {
	query := `
		SELECT` + approverColumns + `
		FROM approvers
		WHERE is_active = TRUE
		  AND id NOT IN (SELECT approver_id FROM request_approvers WHERE request_id = $1)
		ORDER BY sequence_order ASC NULLS LAST, display_name ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, requestID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list unassigned approvers")
	}
	defer rows.Close()

	return r.scanApprovers(rows)
}

// GetApproversForRequest returns the approvers currently assigned to a request.
func (r *ApproverRepository) GetApproversForRequest(ctx context.Context, requestID string) ([]*Approver, error) {
	query := `
		SELECT a.id, a.kind, a.display_name, a.weight, a.sequence_order, a.superior_id,
		       a.department, a.role_name, a.is_active, a.created_at, a.updated_at
		FROM approvers a
		JOIN request_approvers ra ON ra.approver_id = a.id
		WHERE ra.request_id = $1
		ORDER BY ra.sequence_order ASC NULLS LAST, ra.assigned_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request approvers")
	}
	defer rows.Close()

	return r.scanApprovers(rows)
}

// GetAssignments returns all assignments (including recorded votes) for a
// request ordered by assignment sequence, then assignment time.
func (r *ApproverRepository) GetAssignments(ctx context.Context, requestID string) ([]*RequestApprover, error) {
	query := `
		SELECT request_id, approver_id, sequence_order,
		       decision, justification, decided_at, assigned_at
		FROM request_approvers
		WHERE request_id = $1
		ORDER BY sequence_order ASC NULLS LAST, assigned_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request assignments")
	}
	defer rows.Close()

	var assignments []*RequestApprover
	for rows.Next() {
		a := &RequestApprover{}
		err := rows.Scan(
			&a.RequestID,
			&a.ApproverID,
			&a.SequenceOrder,
			&a.Decision,
			&a.Justification,
			&a.DecidedAt,
			&a.AssignedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan assignment")
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// AssignApprovers adds approvers to a request, numbering them after the
// current highest sequence. Already-assigned approvers are skipped.
func (r *ApproverRepository) AssignApprovers(ctx context.Context, requestID string, approverIDs []string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var maxSeq int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence_order), 0) FROM request_approvers WHERE request_id = $1`,
			requestID,
		).Scan(&maxSeq)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read assignment sequence")
		}

		query := `
			INSERT INTO request_approvers (request_id, approver_id, sequence_order)
			VALUES ($1, $2, $3)
			ON CONFLICT (request_id, approver_id) DO NOTHING
		`
		for i, approverID := range approverIDs {
			seq := maxSeq + i + 1
			if _, err := tx.Exec(ctx, query, requestID, approverID, seq); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign approver")
			}
		}
		return nil
	})
}

// RecordDecision stores one approver's vote. It refuses to overwrite an
// existing decision.
func (r *ApproverRepository) RecordDecision(ctx context.Context, requestID, approverID, decision string, justification *string) error {
	query := `
		UPDATE request_approvers
		SET decision      = $3,
		    justification = $4,
		    decided_at    = NOW()
		WHERE request_id = $1
		  AND approver_id = $2
		  AND decision IS NULL
	`

	tag, err := r.db.Exec(ctx, query, requestID, approverID, decision, justification)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("approver is not assigned or has already decided")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type approverScanner interface {
	Scan(dest ...any) error
}

func (r *ApproverRepository) scanApprover(row approverScanner) (*Approver, error) {
	a := &Approver{}
	err := row.Scan(
		&a.ID,
		&a.Kind,
		&a.DisplayName,
		&a.Weight,
		&a.SequenceOrder,
		&a.SuperiorID,
		&a.Department,
		&a.RoleName,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *ApproverRepository) scanApprovers(rows pgx.Rows) ([]*Approver, error) {
	var approvers []*Approver
	for rows.Next() {
		a, err := r.scanApprover(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		approvers = append(approvers, a)
	}
	return approvers, nil
}
