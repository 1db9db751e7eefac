package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending report. The reason is validated against the
// closed set and severity is auto-assigned from it; a reviewer may revise
// the severity later. Creation never touches the session subsystem.
func (s *Store) Create(ctx context.Context, reporterID, reportedUserID, sessionID, reason, description string, evidence *Evidence) (*Report, error) {
	if !ValidReason(reason) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	var evidenceJSON []byte
	if evidence != nil {
		var err error
		evidenceJSON, err = json.Marshal(evidence)
		if err != nil {
			return nil, fmt.Errorf("report: marshal evidence: %w", err)
		}
	}

	r := &Report{
		ID:             uuid.NewString(),
		ReporterID:     reporterID,
		ReportedUserID: reportedUserID,
		SessionID:      sessionID,
		Reason:         reason,
		Description:    description,
		Evidence:       evidence,
		Status:         StatusPending,
		Severity:       SeverityFor(reason),
		CreatedAt:      time.Now().UTC(),
	}

	const query = `
		INSERT INTO reports (id, reporter_id, reported_user_id, session_id,
			reason, description, evidence, status, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ReporterID, r.ReportedUserID, r.SessionID,
		r.Reason, r.Description, evidenceJSON, r.Status, r.Severity, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("report: insert: %w", err)
	}
	return r, nil
}

// Get retrieves a report by ID. Returns ErrNotFound for an unknown ID.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	const query = `
		SELECT id, reporter_id, reported_user_id, session_id, reason,
		       description, evidence, status, severity, admin_notes,
		       action_taken, reviewed_by, reviewed_at, resolved_at, created_at
		FROM reports WHERE id = $1`

	return scanReport(s.db.QueryRowContext(ctx, query, id))
}

// Review marks a pending report reviewed. The reviewer may revise the
// severity; an empty severity keeps the auto-assigned one. A report that is
// already resolved or dismissed cannot be reopened.
func (s *Store) Review(ctx context.Context, id, reviewerID, notes, severity string) (*Report, error) {
	if severity != "" && !validSeverities[severity] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}

	const query = `
		UPDATE reports
		SET status = $2, reviewed_by = $3, reviewed_at = $4, admin_notes = $5,
		    severity = COALESCE(NULLIF($6, ''), severity)
		WHERE id = $1 AND status IN ('pending', 'reviewed')`

	return s.update(ctx, id, query, StatusReviewed, reviewerID, time.Now().UTC(), notes, severity)
}

// Resolve closes a report with the action taken against the reported user.
// Only open reports can be closed; a closed report gets ErrAlreadyClosed.
func (s *Store) Resolve(ctx context.Context, id, reviewerID, action, notes string) (*Report, error) {
	now := time.Now().UTC()
	const query = `
		UPDATE reports
		SET status = $2, reviewed_by = $3, reviewed_at = COALESCE(reviewed_at, $4),
		    resolved_at = $4, action_taken = $5,
		    admin_notes = COALESCE(NULLIF($6, ''), admin_notes)
		WHERE id = $1 AND status IN ('pending', 'reviewed')`

	return s.update(ctx, id, query, StatusResolved, reviewerID, now, action, notes)
}

// Dismiss closes a report without action. Only open reports can be closed.
func (s *Store) Dismiss(ctx context.Context, id, reviewerID, notes string) (*Report, error) {
	now := time.Now().UTC()
	const query = `
		UPDATE reports
		SET status = $2, reviewed_by = $3, reviewed_at = COALESCE(reviewed_at, $4),
		    resolved_at = $4,
		    admin_notes = COALESCE(NULLIF($5, ''), admin_notes)
		WHERE id = $1 AND status IN ('pending', 'reviewed')`

	return s.update(ctx, id, query, StatusDismissed, reviewerID, now, notes)
}

// update runs a guarded reviewer transition. Zero rows affected means either
// the report does not exist or its status excluded it from the predicate.
func (s *Store) update(ctx context.Context, id, query string, args ...interface{}) (*Report, error) {
	result, err := s.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("report: update %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyClosed, r.Status)
	}
	return s.Get(ctx, id)
}

// CountRecent returns the number of reports filed against a user within the
// given window. External risk scoring uses this to throttle or exclude a
// user from the candidate pool; the matcher itself never calls it.
func (s *Store) CountRecent(ctx context.Context, reportedUserID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedUserID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// Pending returns open reports for the triage queue, most severe and oldest
// first. An empty severity returns every severity.
func (s *Store) Pending(ctx context.Context, severity string, limit int) ([]*Report, error) {
	const query = `
		SELECT id, reporter_id, reported_user_id, session_id, reason,
		       description, evidence, status, severity, admin_notes,
		       action_taken, reviewed_by, reviewed_at, resolved_at, created_at
		FROM reports
		WHERE status = 'pending'
		  AND ($1 = '' OR severity = $1)
		ORDER BY CASE severity
		             WHEN 'critical' THEN 0
		             WHEN 'high' THEN 1
		             WHEN 'medium' THEN 2
		             ELSE 3
		         END,
		         created_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, severity, limit)
	if err != nil {
		return nil, fmt.Errorf("report: pending: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// CountBySeverity returns pending report counts keyed by severity, for the
// reviewer dashboard.
func (s *Store) CountBySeverity(ctx context.Context) (map[string]int, error) {
	const query = `
		SELECT severity, COUNT(*)
		FROM reports
		WHERE status = 'pending'
		GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("report: count by severity: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("report: count by severity: %w", err)
		}
		counts[severity] = count
	}
	return counts, rows.Err()
}

// PurgeResolvedBefore deletes resolved and dismissed reports older than
// cutoff. Returns the number of rows removed.
func (s *Store) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM reports
		WHERE status IN ('resolved', 'dismissed')
		  AND resolved_at < $1`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("report: purge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("report: purge: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row scanner) (*Report, error) {
	var r Report
	var evidenceJSON []byte
	var adminNotes, actionTaken, reviewedBy sql.NullString
	var reviewedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.ReporterID, &r.ReportedUserID, &r.SessionID, &r.Reason,
		&r.Description, &evidenceJSON, &r.Status, &r.Severity, &adminNotes,
		&actionTaken, &reviewedBy, &reviewedAt, &resolvedAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report: scan: %w", err)
	}

	if len(evidenceJSON) > 0 {
		var ev Evidence
		if err := json.Unmarshal(evidenceJSON, &ev); err == nil {
			r.Evidence = &ev
		}
	}
	r.AdminNotes = adminNotes.String
	r.ActionTaken = actionTaken.String
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		r.ReviewedAt = &reviewedAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return &r, nil
}
