package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// RequestRepository owns approval_requests rows. Every mutation from a
// non-terminal status is version-checked so a concurrent cancel and escalation
// cannot both commit.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	id, action_kind, config_id, requested_by, status, strategy,
	required_approvals, deadline, value_at_risk, metadata, version,
	created_at, updated_at`

// Create inserts a request and its initial approver assignments in one
// transaction.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest, assignments []*RequestApprover) error {
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request metadata")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (id, action_kind, config_id, requested_by, status, strategy,
			     required_approvals, deadline, value_at_risk, metadata)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10)
			RETURNING version, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ID,
			req.ActionKind,
			req.ConfigID,
			req.RequestedBy,
			req.Status,
			req.Strategy,
			req.RequiredApprovals,
			req.Deadline,
			req.ValueAtRisk,
			metadataJSON,
		).Scan(&req.Version, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		assignQuery := `
			INSERT INTO request_approvers
			    (request_id, approver_id, sequence_order)
			VALUES ($1, $2, $3)
			RETURNING assigned_at
		`
		for _, a := range assignments {
			a.RequestID = req.ID
			if err := tx.QueryRow(ctx, assignQuery, a.RequestID, a.ApproverID, a.SequenceOrder).Scan(&a.AssignedAt); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign approver")
			}
		}
		return nil
	})
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// ListPendingDueWithin returns pending requests whose deadline falls at or
// before now+within, ordered soonest-first.
func (r *RequestRepository) ListPendingDueWithin(ctx context.Context, within time.Duration) ([]*ApprovalRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND deadline <= NOW() + $1
		ORDER BY deadline ASC
	`

	rows, err := r.db.Query(ctx, query, within)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list due requests")
	}
	defer rows.Close()

	return r.scanRequests(rows)
}

// ListPendingOverdueSince returns pending requests whose deadline lapsed more
// than grace ago.
func (r *RequestRepository) ListPendingOverdueSince(ctx context.Context, grace time.Duration) ([]*ApprovalRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND deadline <= NOW() - $1
		ORDER BY deadline ASC
	`

	rows, err := r.db.Query(ctx, query, grace)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue requests")
	}
	defer rows.Close()

	return r.scanRequests(rows)
}

// ListPendingForApprover returns pending requests on which the given approver
// has not yet recorded a decision.
func (r *RequestRepository) ListPendingForApprover(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM approval_requests q
		JOIN request_approvers a ON a.request_id = q.id
		WHERE q.status = 'pending'
		  AND a.approver_id = $1
		  AND a.decision IS NULL
		ORDER BY q.deadline ASC
	`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRequests(rows)
}

// UpdateStatusVersioned transitions a request between statuses, guarded by the
// optimistic version token. Zero affected rows means the request moved under
// us and the caller gets a conflict.
func (r *RequestRepository) UpdateStatusVersioned(ctx context.Context, id, fromStatus, toStatus string, version int64) error {
	query := `
		UPDATE approval_requests
		SET status     = $3,
		    version    = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $2
		  AND version = $4
	`

	tag, err := r.db.Exec(ctx, query, id, fromStatus, toStatus, version)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("request status changed concurrently")
	}
	return nil
}

// CommitEscalation applies one escalation's request mutation atomically:
// strategy, required-approver count, deadline and metadata, guarded by the
// version token and the pending status.
func (r *RequestRepository) CommitEscalation(
	ctx context.Context,
	id string,
	version int64,
	strategyName string,
	requiredApprovals int,
	deadline time.Time,
	metadata RequestMetadata,
) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request metadata")
	}

	query := `
		UPDATE approval_requests
		SET strategy           = $3,
		    required_approvals = $4,
		    deadline           = $5,
		    metadata           = $6,
		    version            = version + 1,
		    updated_at         = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND version = $2
	`

	tag, err := r.db.Exec(ctx, query, id, version, strategyName, requiredApprovals, deadline, metadataJSON)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to commit escalation")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("request is no longer pending or changed concurrently")
	}
	return nil
}

// UpdateMetadata persists the metadata bag without touching workflow state.
// Used for notification-attempt tracking; deliberately not version-bumped so
// warning scans never conflict with approvals.
func (r *RequestRepository) UpdateMetadata(ctx context.Context, id string, metadata RequestMetadata) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request metadata")
	}

	query := `
		UPDATE approval_requests
		SET metadata   = $2,
		    updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, metadataJSON)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request metadata")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_request", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var metadataJSON []byte

	err := row.Scan(
		&req.ID,
		&req.ActionKind,
		&req.ConfigID,
		&req.RequestedBy,
		&req.Status,
		&req.Strategy,
		&req.RequiredApprovals,
		&req.Deadline,
		&req.ValueAtRisk,
		&metadataJSON,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &req.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request metadata")
		}
	}
	return req, nil
}

func (r *RequestRepository) scanRequests(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}
