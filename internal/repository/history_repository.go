package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// HistoryRepository is the append-only approval history ledger. The table has
// a delete-prevention trigger, so Append is the only mutation exposed. The
// ledger is the source of truth for a request's current escalation level and
// last-escalation time.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one history entry.
func (r *HistoryRepository) Append(ctx context.Context, entry *HistoryEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO approval_history
		    (id, request_id, approver_id, action, justification, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.ApproverID,
		entry.Action,
		entry.Justification,
		metadataJSON,
	).Scan(&entry.PerformedAt)
}

// GetByRequestID returns the full history for a request, newest-first.
func (r *HistoryRepository) GetByRequestID(ctx context.Context, requestID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, request_id, approver_id, action, justification, metadata, performed_at
		FROM approval_history
		WHERE request_id = $1
		ORDER BY performed_at DESC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// CountEscalations derives the request's current escalation level.
func (r *HistoryRepository) CountEscalations(ctx context.Context, requestID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM approval_history
		WHERE request_id = $1
		  AND action = 'ESCALATED'
	`

	var count int
	if err := r.db.QueryRow(ctx, query, requestID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count escalations")
	}
	return count, nil
}

// LastEscalationAt returns the timestamp of the most recent ESCALATED entry,
// or nil when the request has never been escalated.
func (r *HistoryRepository) LastEscalationAt(ctx context.Context, requestID string) (*time.Time, error) {
	query := `
		SELECT MAX(performed_at)
		FROM approval_history
		WHERE request_id = $1
		  AND action = 'ESCALATED'
	`

	var ts *time.Time
	if err := r.db.QueryRow(ctx, query, requestID).Scan(&ts); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read last escalation time")
	}
	return ts, nil
}

// MetricsForPeriod aggregates escalation activity between from and to.
// Per-escalation level and waited hours are read from the metadata stamped on
// each ESCALATED entry.
func (r *HistoryRepository) MetricsForPeriod(ctx context.Context, from, to time.Time) (*EscalationMetrics, error) {
	query := `
		SELECT q.action_kind,
		       COALESCE((h.metadata->>'level')::int, 0),
		       COALESCE((h.metadata->>'waited_hours')::float, 0)
		FROM approval_history h
		JOIN approval_requests q ON q.id = h.request_id
		WHERE h.action = 'ESCALATED'
		  AND h.performed_at >= $1
		  AND h.performed_at < $2
	`

	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate escalation metrics")
	}
	defer rows.Close()

	metrics := &EscalationMetrics{
		ByActionKind: map[string]int{},
		ByLevel:      map[int]int{},
	}
	var totalWait float64

	for rows.Next() {
		var actionKind string
		var level int
		var waited float64
		if err := rows.Scan(&actionKind, &level, &waited); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan escalation metrics")
		}
		metrics.TotalEscalations++
		metrics.ByActionKind[actionKind]++
		metrics.ByLevel[level]++
		totalWait += waited
	}

	if metrics.TotalEscalations > 0 {
		metrics.AverageEscalationWaitHours = totalWait / float64(metrics.TotalEscalations)
	}
	return metrics, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *HistoryRepository) scanRows(rows pgx.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type historyScanner interface {
	Scan(dest ...any) error
}

func (r *HistoryRepository) scanEntry(sc historyScanner) (*HistoryEntry, error) {
	entry := &HistoryEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.ApproverID,
		&entry.Action,
		&entry.Justification,
		&metadataJSON,
		&entry.PerformedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
		}
	}
	return entry, nil
}
