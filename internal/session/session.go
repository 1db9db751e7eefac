// Package session owns paired chat sessions: creation on a confirmed match,
// per-session message logging, and the terminal end-of-session transition.
// Session state lives in Redis; all mutating transitions run as Lua scripts
// so concurrent writers serialize per session.
package session

// Status values for the session state machine. "waiting" exists only for
// queue-side placeholders; a session observable through this package starts
// at "active". "ended" and "reported" are terminal.
const (
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusReported = "reported"
)

// End reasons for the terminating transition.
const (
	EndUserLeft    = "user_left"
	EndPartnerLeft = "partner_left"
	EndReported    = "reported"
	EndTimeout     = "timeout"
	EndSystem      = "system_ended"
)

// validEndReasons is the closed set of end reason values. External reviewers
// and UIs branch on these literal strings.
var validEndReasons = map[string]bool{
	EndUserLeft:    true,
	EndPartnerLeft: true,
	EndReported:    true,
	EndTimeout:     true,
	EndSystem:      true,
}

// ValidEndReason reports whether reason is one of the closed end reasons.
func ValidEndReason(reason string) bool {
	return validEndReasons[reason]
}

// Message content types.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

// Participant is one side of a session. The anonymous handle is unique to
// this session and never reused across sessions for the same user.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AnonymousID string `json:"anonymous_id"`
	JoinedAt    int64  `json:"joined_at"` // unix ms
	Active      bool   `json:"active"`
	LeftAt      int64  `json:"left_at,omitempty"` // unix ms, 0 while active
}

// Preferences is the copy of the accepted compatibility parameters the
// session was created with.
type Preferences struct {
	Language  string   `json:"language,omitempty"`
	Interests []string `json:"interests,omitempty"`
	AgeMin    int      `json:"age_min,omitempty"`
	AgeMax    int      `json:"age_max,omitempty"`
}

// ChatSession is one paired conversation. Exactly two participants, never more.
type ChatSession struct {
	ID            string      `json:"session_id"`
	ChatType      string      `json:"chat_type"`
	Preferences   Preferences `json:"preferences"`
	Status        string      `json:"status"`
	A             Participant `json:"participant_a"`
	B             Participant `json:"participant_b"`
	StartedAt     int64       `json:"started_at"` // unix ms
	EndedAt       int64       `json:"ended_at,omitempty"`
	DurationMs    int64       `json:"duration_ms,omitempty"`
	EndReason     string      `json:"end_reason,omitempty"`
	MessagesCount int64       `json:"messages_count"`
	ReportCount   int64       `json:"report_count"`
}

// Message is one entry in a session's append-only message log.
type Message struct {
	ID          string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	AnonymousID string `json:"anonymous_id"`
	Content     string `json:"content"`
	Ts          int64  `json:"timestamp"` // unix ms
	Type        string `json:"type"`
	Moderated   bool   `json:"is_moderated"`
}

// IsParticipant reports whether userID is one of the two participants.
func (cs *ChatSession) IsParticipant(userID string) bool {
	return userID == cs.A.UserID || userID == cs.B.UserID
}

// Partner returns the other participant, or nil if userID is not in the session.
func (cs *ChatSession) Partner(userID string) *Participant {
	switch userID {
	case cs.A.UserID:
		return &cs.B
	case cs.B.UserID:
		return &cs.A
	}
	return nil
}

// AnonymousID returns the session-scoped handle for userID, or "" if the
// user is not a participant.
func (cs *ChatSession) AnonymousID(userID string) string {
	switch userID {
	case cs.A.UserID:
		return cs.A.AnonymousID
	case cs.B.UserID:
		return cs.B.AnonymousID
	}
	return ""
}

// Terminal reports whether the session reached a terminal status.
func (cs *ChatSession) Terminal() bool {
	return cs.Status == StatusEnded || cs.Status == StatusReported
}
