// Package report provides PostgreSQL-backed storage for abuse reports and
// the reviewer triage workflow. A report captures who reported whom, the
// session context, optional evidence, and an auto-assigned severity derived
// from the reason taxonomy.
package report

import (
	"errors"
	"time"
)

// Closed reason taxonomy. External reviewers and UIs branch on these
// literal strings.
const (
	ReasonSpam          = "spam"
	ReasonInappropriate = "inappropriate_content"
	ReasonHarassment    = "harassment"
	ReasonFakeProfile   = "fake_profile"
	ReasonAbusive       = "abusive_behavior"
	ReasonOther         = "other"
)

// Report status values.
const (
	StatusPending   = "pending"
	StatusReviewed  = "reviewed"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
)

// Severity values. Low through high are auto-assigned at creation; critical
// is reserved for reviewer escalation.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var (
	// ErrInvalidReason is returned for a reason outside the closed set.
	ErrInvalidReason = errors.New("report: invalid reason")

	// ErrInvalidSeverity is returned for a severity outside the closed set.
	ErrInvalidSeverity = errors.New("report: invalid severity")

	// ErrNotFound is returned for an unknown report ID.
	ErrNotFound = errors.New("report: not found")

	// ErrAlreadyClosed is returned when a reviewer transition targets a
	// report that is already resolved or dismissed.
	ErrAlreadyClosed = errors.New("report: report already closed")
)

// validReasons matches the CHECK constraint on the reports table.
var validReasons = map[string]bool{
	ReasonSpam:          true,
	ReasonInappropriate: true,
	ReasonHarassment:    true,
	ReasonFakeProfile:   true,
	ReasonAbusive:       true,
	ReasonOther:         true,
}

var validSeverities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// severityByReason maps each reason to its auto-assigned severity.
var severityByReason = map[string]string{
	ReasonHarassment:    SeverityHigh,
	ReasonAbusive:       SeverityHigh,
	ReasonInappropriate: SeverityMedium,
	ReasonSpam:          SeverityLow,
	ReasonFakeProfile:   SeverityLow,
	ReasonOther:         SeverityMedium,
}

// ValidReason reports whether reason is one of the closed reason values.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// SeverityFor returns the auto-assigned severity for a reason. Unknown
// reasons map to medium, matching the "other" bucket, but callers should
// validate the reason first.
func SeverityFor(reason string) string {
	if s, ok := severityByReason[reason]; ok {
		return s
	}
	return SeverityMedium
}

// Evidence is the optional supporting material attached to a report.
type Evidence struct {
	MessageIDs  []string `json:"message_ids,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Report is one abuse complaint tied to a session/participant pair.
type Report struct {
	ID             string     `json:"report_id"`
	ReporterID     string     `json:"reporter_id"`
	ReportedUserID string     `json:"reported_user_id"`
	SessionID      string     `json:"session_id"`
	Reason         string     `json:"reason"`
	Description    string     `json:"description,omitempty"`
	Evidence       *Evidence  `json:"evidence,omitempty"`
	Status         string     `json:"status"`
	Severity       string     `json:"severity"`
	AdminNotes     string     `json:"admin_notes,omitempty"`
	ActionTaken    string     `json:"action_taken,omitempty"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
