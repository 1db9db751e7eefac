// Package queue manages the durable table of users waiting for a match,
// backed by Redis. Each user has at most one active entry at any time; the
// matcher claims entries with an atomic compare-and-swap script so two
// concurrent matchers can never consume the same waiter twice.
package queue

import (
	"fmt"
	"sort"
	"strings"
)

// Chat type constants. The chat type is a hard matching constraint and is
// never relaxed; each type has its own waiting index in Redis.
const (
	ChatTypeText  = "text"
	ChatTypeVoice = "voice"
	ChatTypeVideo = "video"
)

// validChatTypes is the set of allowed chat type values, mirrored by the
// per-type waiting indexes.
var validChatTypes = map[string]bool{
	ChatTypeText:  true,
	ChatTypeVoice: true,
	ChatTypeVideo: true,
}

// ValidChatType reports whether t is one of the closed chat type values.
func ValidChatType(t string) bool {
	return validChatTypes[t]
}

// Preferences are the soft compatibility parameters a user queues with.
// ChatType is the only hard constraint. An AgeMin/AgeMax of 0/0 means the
// user did not set an age range.
type Preferences struct {
	ChatType  string
	Language  string
	Interests []string
	AgeMin    int
	AgeMax    int
}

// HasAgeRange reports whether the user set an age range.
func (p Preferences) HasAgeRange() bool {
	return p.AgeMin != 0 || p.AgeMax != 0
}

// Entry is one user's row in the waiting table.
type Entry struct {
	UserID      string
	DisplayName string
	AnonymousID string
	Preferences Preferences
	JoinedAt    int64 // unix ms, FIFO tie-break
	Priority    int   // 0-100, bumped on failed match attempts
	RetryCount  int
	LastAttempt int64 // unix ms of the last failed match attempt
	Active      bool  // false marks a logically removed entry
}

// interestsCSV encodes an interest set for storage. Interests are sorted so
// the stored form is order-independent.
func interestsCSV(interests []string) string {
	sorted := make([]string, 0, len(interests))
	for _, tag := range interests {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			sorted = append(sorted, strings.ToLower(tag))
		}
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// PriorityForRetry computes the priority after n failed match attempts.
// Priority grows by 10 per retry and is capped at 100.
func PriorityForRetry(n int) int {
	p := n * 10
	if p > 100 {
		p = 100
	}
	return p
}

func (e *Entry) String() string {
	return fmt.Sprintf("queue.Entry{user=%s type=%s prio=%d retries=%d active=%v}",
		e.UserID, e.Preferences.ChatType, e.Priority, e.RetryCount, e.Active)
}
