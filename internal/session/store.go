package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for session state.
	keySessionPrefix = "chat:"      // + <session_id> -> Hash
	keyMessageSuffix = ":messages"  // chat:<session_id>:messages -> List of JSON
	keyEndedIndex    = "chat:ended" // ZSET, score = ended_at (ms); sweeper purge index

	// sessionTTL caps how long a session hash can linger if the sweeper is
	// down. The sweeper purges ended sessions after the 7-day retention
	// window, well before this expires.
	sessionTTL = 8 * 24 * time.Hour
)

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session: not found")

	// ErrSessionEnded is returned when a message is appended after the
	// session reached a terminal status.
	ErrSessionEnded = errors.New("session: already ended")

	// ErrNotParticipant is returned when the sender is not one of the two
	// participants.
	ErrNotParticipant = errors.New("session: sender is not a participant")

	// ErrInvalidEndReason is returned for an end reason outside the closed set.
	ErrInvalidEndReason = errors.New("session: invalid end reason")
)

// Store manages chat sessions in Redis.
type Store struct {
	rdb          *redis.Client
	appendScript *redis.Script
	endScript    *redis.Script
}

// NewStore creates a session store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:          rdb,
		appendScript: redis.NewScript(appendMessageLua),
		endScript:    redis.NewScript(endSessionLua),
	}
}

// Create stores a new active session for a confirmed pair. Each participant
// gets its anonymous handle from the caller (generated fresh per session by
// the matcher).
func (s *Store) Create(ctx context.Context, a, b Participant, chatType string, prefs Preferences) (*ChatSession, error) {
	now := time.Now().UnixMilli()
	a.JoinedAt, b.JoinedAt = now, now
	a.Active, b.Active = true, true

	cs := &ChatSession{
		ID:          uuid.NewString(),
		ChatType:    chatType,
		Preferences: prefs,
		Status:      StatusActive,
		A:           a,
		B:           b,
		StartedAt:   now,
	}

	key := keySessionPrefix + cs.ID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_a":         a.UserID,
		"name_a":         a.DisplayName,
		"anon_a":         a.AnonymousID,
		"joined_a":       a.JoinedAt,
		"active_a":       "1",
		"left_a":         0,
		"user_b":         b.UserID,
		"name_b":         b.DisplayName,
		"anon_b":         b.AnonymousID,
		"joined_b":       b.JoinedAt,
		"active_b":       "1",
		"left_b":         0,
		"status":         StatusActive,
		"chat_type":      chatType,
		"language":       prefs.Language,
		"interests":      strings.Join(prefs.Interests, ","),
		"age_min":        prefs.AgeMin,
		"age_max":        prefs.AgeMax,
		"started_at":     now,
		"ended_at":       0,
		"duration_ms":    0,
		"end_reason":     "",
		"messages_count": 0,
		"report_count":   0,
	})
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return cs, nil
}

// Get retrieves a session. Returns ErrNotFound for an unknown ID.
func (s *Store) Get(ctx context.Context, sessionID string) (*ChatSession, error) {
	result, err := s.rdb.HGetAll(ctx, keySessionPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(sessionID, result), nil
}

// AddMessage appends a message to the session log. The status check, the
// participant check, the append, and the counter increment run in one Lua
// script, so message appends serialize per session while distinct sessions
// proceed in parallel.
func (s *Store) AddMessage(ctx context.Context, sessionID, senderID, content, msgType string, moderated bool) (*Message, error) {
	cs, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if msgType == "" {
		msgType = MessageText
	}

	msg := &Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		AnonymousID: cs.AnonymousID(senderID),
		Content:     content,
		Ts:          time.Now().UnixMilli(),
		Type:        msgType,
		Moderated:   moderated,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("session: marshal message: %w", err)
	}

	keys := []string{
		keySessionPrefix + sessionID,
		keySessionPrefix + sessionID + keyMessageSuffix,
	}
	code, err := s.appendScript.Run(ctx, s.rdb, keys, senderID, payload).Int()
	if err != nil {
		return nil, fmt.Errorf("session: add message: %w", err)
	}
	switch {
	case code == -1:
		return nil, ErrNotFound
	case code == -2:
		return nil, ErrSessionEnded
	case code == -3:
		return nil, ErrNotParticipant
	}
	return msg, nil
}

// Messages returns the session's message log in append order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, keySessionPrefix+sessionID+keyMessageSuffix, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: messages %s: %w", sessionID, err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue // skip corrupt entries rather than failing the read
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// End performs the terminating transition with the given reason. Idempotent:
// ending an already-terminal session is a no-op that preserves the first
// reason and timestamps and returns the existing terminal state.
func (s *Store) End(ctx context.Context, sessionID, reason string) (*ChatSession, error) {
	if !ValidEndReason(reason) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndReason, reason)
	}
	return s.terminate(ctx, sessionID, StatusEnded, reason)
}

// MarkReported suspends an active session immediately because of a report:
// the terminal status becomes "reported" instead of "ended". A report filed
// against an already-ended session never reaches this path.
func (s *Store) MarkReported(ctx context.Context, sessionID string) (*ChatSession, error) {
	return s.terminate(ctx, sessionID, StatusReported, EndReported)
}

func (s *Store) terminate(ctx context.Context, sessionID, status, reason string) (*ChatSession, error) {
	now := time.Now().UnixMilli()
	keys := []string{keySessionPrefix + sessionID, keyEndedIndex}
	code, err := s.endScript.Run(ctx, s.rdb, keys, status, now, reason, sessionID).Int()
	if err != nil {
		return nil, fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	if code == -1 {
		return nil, ErrNotFound
	}
	// code 0 means the session was already terminal; either way the stored
	// state is authoritative.
	return s.Get(ctx, sessionID)
}

// IncrReportCount bumps the session's report counter.
func (s *Store) IncrReportCount(ctx context.Context, sessionID string) error {
	err := s.rdb.HIncrBy(ctx, keySessionPrefix+sessionID, "report_count", 1).Err()
	if err != nil {
		return fmt.Errorf("session: incr report count %s: %w", sessionID, err)
	}
	return nil
}

// EndedBefore returns IDs of terminal sessions whose end time is older than
// cutoff. Used by the retention sweeper.
func (s *Store) EndedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, keyEndedIndex, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
}

// Delete purges a session, its message log, and its ended-index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, keySessionPrefix+sessionID)
	pipe.Del(ctx, keySessionPrefix+sessionID+keyMessageSuffix)
	pipe.ZRem(ctx, keyEndedIndex, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

func sessionFromHash(id string, h map[string]string) *ChatSession {
	parseMs := func(field string) int64 {
		v, _ := strconv.ParseInt(h[field], 10, 64)
		return v
	}
	parseInt := func(field string) int {
		v, _ := strconv.Atoi(h[field])
		return v
	}

	var interests []string
	if h["interests"] != "" {
		interests = strings.Split(h["interests"], ",")
	}

	return &ChatSession{
		ID:       id,
		ChatType: h["chat_type"],
		Preferences: Preferences{
			Language:  h["language"],
			Interests: interests,
			AgeMin:    parseInt("age_min"),
			AgeMax:    parseInt("age_max"),
		},
		Status: h["status"],
		A: Participant{
			UserID:      h["user_a"],
			DisplayName: h["name_a"],
			AnonymousID: h["anon_a"],
			JoinedAt:    parseMs("joined_a"),
			Active:      h["active_a"] == "1",
			LeftAt:      parseMs("left_a"),
		},
		B: Participant{
			UserID:      h["user_b"],
			DisplayName: h["name_b"],
			AnonymousID: h["anon_b"],
			JoinedAt:    parseMs("joined_b"),
			Active:      h["active_b"] == "1",
			LeftAt:      parseMs("left_b"),
		},
		StartedAt:     parseMs("started_at"),
		EndedAt:       parseMs("ended_at"),
		DurationMs:    parseMs("duration_ms"),
		EndReason:     h["end_reason"],
		MessagesCount: parseMs("messages_count"),
		ReportCount:   parseMs("report_count"),
	}
}

// appendMessageLua validates and appends a message in one atomic step.
// Returns the new message count on success, -1 if the session does not
// exist, -2 if it is no longer active, -3 if the sender is not a participant.
const appendMessageLua = `
local key = KEYS[1]
local msgs = KEYS[2]
local sender = ARGV[1]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status ~= 'active' then return -2 end

local user_a = redis.call('HGET', key, 'user_a')
local user_b = redis.call('HGET', key, 'user_b')
if sender ~= user_a and sender ~= user_b then return -3 end

redis.call('RPUSH', msgs, ARGV[2])
return redis.call('HINCRBY', key, 'messages_count', 1)
`

// endSessionLua performs the one-way terminal transition. A session that is
// already terminal is left untouched (first reason and timestamps win).
// Returns 1 on transition, 0 if already terminal, -1 if not found.
const endSessionLua = `
local key = KEYS[1]
local ended_index = KEYS[2]
local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status ~= 'active' and status ~= 'waiting' then return 0 end

local now = tonumber(ARGV[2])
local started = tonumber(redis.call('HGET', key, 'started_at')) or now
redis.call('HSET', key,
    'status', ARGV[1],
    'ended_at', now,
    'duration_ms', now - started,
    'end_reason', ARGV[3])

if redis.call('HGET', key, 'active_a') == '1' then
    redis.call('HSET', key, 'active_a', '0', 'left_a', now)
end
if redis.call('HGET', key, 'active_b') == '1' then
    redis.call('HSET', key, 'active_b', '0', 'left_b', now)
end

redis.call('ZADD', ended_index, now, ARGV[4])
return 1
`
