package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/session"
)

// statusFor maps engine sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, report.ErrAlreadyClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotFound), errors.Is(err, report.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidChatType),
		errors.Is(err, session.ErrInvalidEndReason),
		errors.Is(err, report.ErrInvalidReason),
		errors.Is(err, report.ErrInvalidSeverity):
		return http.StatusBadRequest
	case errors.Is(err, matching.ErrMatchUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// allow applies a rate limit rule, replying 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, id string, rule ratelimit.Rule) bool {
	ok, _ := s.limiter.Allow(r.Context(), id, rule) // fails open on Redis errors
	if !ok {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
	return ok
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

type joinRequest struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	ChatType    string   `json:"chat_type"`
	Language    string   `json:"language,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	AgeMin      int      `json:"age_min,omitempty"`
	AgeMax      int      `json:"age_max,omitempty"`
}

type joinResponse struct {
	UserID      string `json:"user_id"`
	AnonymousID string `json:"anonymous_id"`
	ChatType    string `json:"chat_type"`
	JoinedAt    int64  `json:"joined_at"`
	Priority    int    `json:"priority"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !s.allow(w, r, req.UserID, ratelimit.RuleJoin) {
		return
	}

	// Suspended users are not admitted to the queue.
	suspended, remaining, reason, err := s.bans.IsSuspended(r.Context(), req.UserID)
	if err != nil {
		log.Printf("[api] suspension check %s: %v (failing open)", req.UserID, err)
	}
	if suspended {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":             "suspended",
			"reason":            reason,
			"remaining_seconds": remaining,
		})
		return
	}

	entry, err := s.queue.Join(r.Context(), req.UserID, req.DisplayName, queue.Preferences{
		ChatType:  req.ChatType,
		Language:  req.Language,
		Interests: req.Interests,
		AgeMin:    req.AgeMin,
		AgeMax:    req.AgeMax,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	// Nudge the matcher for an immediate attempt; the periodic loop covers
	// the case where this publish is lost.
	if s.nats != nil {
		data, _ := json.Marshal(matching.MatchRequest{UserID: entry.UserID})
		if err := s.nats.PublishMatchRequest(data); err != nil {
			log.Printf("[api] publish match.request for %s: %v", entry.UserID, err)
		}
	}

	writeJSON(w, http.StatusAccepted, joinResponse{
		UserID:      entry.UserID,
		AnonymousID: entry.AnonymousID,
		ChatType:    entry.Preferences.ChatType,
		JoinedAt:    entry.JoinedAt,
		Priority:    entry.Priority,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if err := s.queue.Leave(r.Context(), userID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	cs, err := s.sessions.Get(r.Context(), mux.Vars(r)["sessionID"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

type addMessageRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" {
		writeError(w, http.StatusBadRequest, "sender_id is required")
		return
	}
	if err := session.ValidateContent(req.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allow(w, r, req.SenderID, ratelimit.RuleMessage) {
		return
	}

	// Screening never drops the message; a hit stores it flagged.
	check := s.filter.Check(req.Content)
	if check.Flagged {
		log.Printf("[api] flagged message session=%s sender=%s reason=%s term=%q",
			sessionID, req.SenderID, check.Reason, check.Term)
	}

	msg, err := s.sessions.AddMessage(r.Context(), sessionID, req.SenderID, req.Content, req.Type, check.Flagged)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.fail(w, err)
		return
	}

	if check.Flagged {
		metrics.MessagesTotal.WithLabelValues("moderated").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	}

	if data, err := json.Marshal(msg); err == nil && s.nats != nil {
		if err := s.nats.PublishChatMessage(sessionID, data); err != nil {
			log.Printf("[api] publish chat.message for %s: %v", sessionID, err)
		}
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), sessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type endSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// sessionEndedEvent is published to session.ended.<session_id>.
type sessionEndedEvent struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	EndedAt   int64  `json:"ended_at"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = session.EndUserLeft
	}

	// A caller-supplied user must be a participant to end the session.
	if req.UserID != "" {
		cs, err := s.sessions.Get(r.Context(), sessionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if !cs.IsParticipant(req.UserID) {
			s.fail(w, session.ErrNotParticipant)
			return
		}
	}

	cs, err := s.sessions.End(r.Context(), sessionID, reason)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.publishSessionEnded(cs)
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) publishSessionEnded(cs *session.ChatSession) {
	if s.nats == nil {
		return
	}
	data, err := json.Marshal(sessionEndedEvent{
		SessionID: cs.ID,
		Reason:    cs.EndReason,
		EndedAt:   cs.EndedAt,
	})
	if err != nil {
		return
	}
	if err := s.nats.PublishSessionEnded(cs.ID, data); err != nil {
		log.Printf("[api] publish session.ended for %s: %v", cs.ID, err)
	}
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

type fileReportRequest struct {
	ReporterID     string           `json:"reporter_id"`
	ReportedUserID string           `json:"reported_user_id"`
	SessionID      string           `json:"session_id"`
	Reason         string           `json:"reason"`
	Description    string           `json:"description,omitempty"`
	Evidence       *report.Evidence `json:"evidence,omitempty"`
}

func (s *Server) handleFileReport(w http.ResponseWriter, r *http.Request) {
	var req fileReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ReporterID == "" || req.ReportedUserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "reporter_id, reported_user_id and session_id are required")
		return
	}
	if !s.allow(w, r, req.ReporterID, ratelimit.RuleReport) {
		return
	}

	// The report must reference a real session the reporter took part in,
	// active or just-ended.
	cs, err := s.sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !cs.IsParticipant(req.ReporterID) || !cs.IsParticipant(req.ReportedUserID) {
		s.fail(w, session.ErrNotParticipant)
		return
	}

	rep, err := s.reports.Create(r.Context(), req.ReporterID, req.ReportedUserID,
		req.SessionID, req.Reason, req.Description, req.Evidence)
	if err != nil {
		s.fail(w, err)
		return
	}
	metrics.ReportsTotal.WithLabelValues(rep.Reason).Inc()

	if err := s.sessions.IncrReportCount(r.Context(), req.SessionID); err != nil {
		log.Printf("[api] incr report count %s: %v", req.SessionID, err)
	}

	// Feed the rolling counter behind auto-suspension.
	if suspended, duration, err := s.bans.RecordReport(r.Context(), req.ReportedUserID); err != nil {
		log.Printf("[api] record report for %s: %v", req.ReportedUserID, err)
	} else if suspended {
		log.Printf("[api] auto-suspended %s for %s", req.ReportedUserID, duration)
	}

	// High-severity reports suspend a still-active session immediately;
	// anything else leaves the session untouched.
	if cs.Status == session.StatusActive && rep.Severity == report.SeverityHigh {
		ended, err := s.sessions.MarkReported(r.Context(), req.SessionID)
		if err != nil {
			log.Printf("[api] suspend session %s: %v", req.SessionID, err)
		} else {
			s.publishSessionEnded(ended)
		}
	}

	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reports.Get(r.Context(), mux.Vars(r)["reportID"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type reviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Action     string `json:"action,omitempty"`
}

func (s *Server) reviewerAction(w http.ResponseWriter, r *http.Request,
	apply func(id string, req reviewRequest) (*report.Report, error)) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ReviewerID == "" {
		writeError(w, http.StatusBadRequest, "reviewer_id is required")
		return
	}
	rep, err := apply(mux.Vars(r)["reportID"], req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReviewReport(w http.ResponseWriter, r *http.Request) {
	s.reviewerAction(w, r, func(id string, req reviewRequest) (*report.Report, error) {
		return s.reports.Review(r.Context(), id, req.ReviewerID, req.Notes, req.Severity)
	})
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	s.reviewerAction(w, r, func(id string, req reviewRequest) (*report.Report, error) {
		return s.reports.Resolve(r.Context(), id, req.ReviewerID, req.Action, req.Notes)
	})
}

func (s *Server) handleDismissReport(w http.ResponseWriter, r *http.Request) {
	s.reviewerAction(w, r, func(id string, req reviewRequest) (*report.Report, error) {
		return s.reports.Dismiss(r.Context(), id, req.ReviewerID, req.Notes)
	})
}

func (s *Server) handlePendingReports(w http.ResponseWriter, r *http.Request) {
	severity := r.URL.Query().Get("severity")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	reports, err := s.reports.Pending(r.Context(), severity, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if reports == nil {
		reports = []*report.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleReportStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reports.CountBySeverity(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleRecentReports(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	windowHours := 24
	if v := r.URL.Query().Get("window_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 24*30 {
			windowHours = n
		}
	}

	count, err := s.reports.CountRecent(r.Context(), userID, time.Duration(windowHours)*time.Hour)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}
