package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the waiting table.
	keyEntryPrefix   = "queue:user:"    // + <user_id> -> Hash
	keyWaitingPrefix = "queue:waiting:" // + <chat_type> -> ZSET, score = joined_at (ms)
)

// ErrAlreadyQueued is returned by Join when the user already has an active
// entry for a different chat type. One concurrent search per user.
var ErrAlreadyQueued = errors.New("queue: user already queued for another chat type")

// ErrInvalidChatType is returned by Join for a chat type outside the closed set.
var ErrInvalidChatType = errors.New("queue: invalid chat type")

// ClaimResult is the outcome of an atomic pair claim.
type ClaimResult int

const (
	ClaimOK            ClaimResult = iota // both entries claimed
	ClaimSeekerLost                       // the seeker's own entry was no longer active
	ClaimCandidateLost                    // the candidate was claimed by a concurrent match
)

// Store manages waiting entries in Redis.
type Store struct {
	rdb         *redis.Client
	joinScript  *redis.Script
	claimScript *redis.Script
}

// NewStore creates a queue store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:         rdb,
		joinScript:  redis.NewScript(joinLua),
		claimScript: redis.NewScript(claimPairLua),
	}
}

// Join upserts an active waiting entry for the user. A user re-joining with
// the same chat type keeps their original join time, priority and anonymous
// handle (so re-submitting preferences does not reset queue fairness); a user
// with an active entry for a different chat type gets ErrAlreadyQueued. The
// admission check and the write run in one script, so two concurrent joins
// for the same user can never land the user in two waiting indexes.
func (s *Store) Join(ctx context.Context, userID, displayName string, prefs Preferences) (*Entry, error) {
	if !ValidChatType(prefs.ChatType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChatType, prefs.ChatType)
	}

	entry := &Entry{
		UserID:      userID,
		DisplayName: displayName,
		AnonymousID: NewAnonymousID(),
		Preferences: prefs,
		JoinedAt:    time.Now().UnixMilli(),
		Active:      true,
	}

	keys := []string{
		keyEntryPrefix + userID,
		keyWaitingPrefix + prefs.ChatType,
	}
	res, err := s.joinScript.Run(ctx, s.rdb, keys,
		prefs.ChatType, userID, displayName, prefs.Language,
		interestsCSV(prefs.Interests), prefs.AgeMin, prefs.AgeMax,
		entry.AnonymousID, entry.JoinedAt,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("queue: join %s: %w", userID, err)
	}

	switch luaInt(res[0]) {
	case -1:
		return nil, ErrAlreadyQueued
	case 1:
		// Same-type upsert: the script kept the original position and
		// retry state; read the preserved fields back.
		entry.AnonymousID = luaString(res[1])
		entry.JoinedAt = luaInt(res[2])
		entry.Priority = int(luaInt(res[3]))
		entry.RetryCount = int(luaInt(res[4]))
		entry.LastAttempt = luaInt(res[5])
	}
	return entry, nil
}

// Leave removes the user's entry. Idempotent: a user not in the queue is
// not an error.
func (s *Store) Leave(ctx context.Context, userID string) error {
	entry, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil // already gone
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, keyWaitingPrefix+entry.Preferences.ChatType, userID)
	pipe.Del(ctx, keyEntryPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: leave %s: %w", userID, err)
	}
	return nil
}

// Remove hard-deletes a claimed (inactive) entry after a successful match.
func (s *Store) Remove(ctx context.Context, userID string) error {
	return s.Leave(ctx, userID)
}

// Get retrieves a user's entry. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Entry, error) {
	result, err := s.rdb.HGetAll(ctx, keyEntryPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", userID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return entryFromHash(result), nil
}

// TouchRetry records a failed match attempt: retry count is incremented and
// priority rises by 10 per retry, capped at 100, so long waiters win
// candidate ranking over fresh joiners.
func (s *Store) TouchRetry(ctx context.Context, userID string) (*Entry, error) {
	key := keyEntryPrefix + userID
	retries, err := s.rdb.HIncrBy(ctx, key, "retry_count", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: touch retry %s: %w", userID, err)
	}
	err = s.rdb.HSet(ctx, key,
		"priority", PriorityForRetry(int(retries)),
		"last_attempt", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("queue: touch retry %s: %w", userID, err)
	}
	return s.Get(ctx, userID)
}

// Waiting returns up to limit active entries for a chat type, oldest first.
// A limit <= 0 returns the whole index. Claimed entries are skipped; a member
// whose hash is gone or whose chat type no longer matches this index is
// dangling and gets removed from the index on the way past.
func (s *Store) Waiting(ctx context.Context, chatType string, limit int64) ([]*Entry, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	waitingKey := keyWaitingPrefix + chatType
	ids, err := s.rdb.ZRange(ctx, waitingKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: waiting %s: %w", chatType, err)
	}

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Preferences.ChatType != chatType {
			s.rdb.ZRem(ctx, waitingKey, id)
			continue
		}
		if !entry.Active {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// WaitingCount returns the size of a chat type's waiting index.
func (s *Store) WaitingCount(ctx context.Context, chatType string) (int64, error) {
	return s.rdb.ZCard(ctx, keyWaitingPrefix+chatType).Result()
}

// ClaimPair atomically claims the seeker and the candidate: both entries must
// still be active, and both flip to inactive in a single script. This is the
// compare-and-swap that prevents two concurrent matchers from double-booking
// the same waiter. The claimed entries stay in Redis (inactive) until Remove.
func (s *Store) ClaimPair(ctx context.Context, chatType, seekerID, candidateID string) (ClaimResult, error) {
	keys := []string{
		keyEntryPrefix + seekerID,
		keyEntryPrefix + candidateID,
		keyWaitingPrefix + chatType,
	}
	code, err := s.claimScript.Run(ctx, s.rdb, keys, seekerID, candidateID).Int()
	if err != nil {
		return ClaimSeekerLost, fmt.Errorf("queue: claim %s+%s: %w", seekerID, candidateID, err)
	}
	switch code {
	case 1:
		return ClaimOK, nil
	case -1:
		return ClaimSeekerLost, nil
	default:
		return ClaimCandidateLost, nil
	}
}

// ScanEntries invokes fn for every entry in the waiting table, active or not.
// Used by the retention sweeper; iteration uses SCAN so it never blocks Redis.
func (s *Store) ScanEntries(ctx context.Context, fn func(*Entry) error) error {
	iter := s.rdb.Scan(ctx, 0, keyEntryPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		result, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(result) == 0 {
			continue
		}
		if err := fn(entryFromHash(result)); err != nil {
			return err
		}
	}
	return iter.Err()
}

// NewAnonymousID generates a per-session display handle, unlinked from the
// user's persistent identity.
func NewAnonymousID() string {
	return "anon-" + uuid.NewString()[:8]
}

func entryFromHash(h map[string]string) *Entry {
	ageMin, _ := strconv.Atoi(h["age_min"])
	ageMax, _ := strconv.Atoi(h["age_max"])
	joinedAt, _ := strconv.ParseInt(h["joined_at"], 10, 64)
	priority, _ := strconv.Atoi(h["priority"])
	retries, _ := strconv.Atoi(h["retry_count"])
	lastAttempt, _ := strconv.ParseInt(h["last_attempt"], 10, 64)

	return &Entry{
		UserID:      h["user_id"],
		DisplayName: h["display_name"],
		AnonymousID: h["anonymous_id"],
		Preferences: Preferences{
			ChatType:  h["chat_type"],
			Language:  h["language"],
			Interests: splitCSV(h["interests"]),
			AgeMin:    ageMin,
			AgeMax:    ageMax,
		},
		JoinedAt:    joinedAt,
		Priority:    priority,
		RetryCount:  retries,
		LastAttempt: lastAttempt,
		Active:      h["active"] == "1",
	}
}

// luaInt decodes a Lua reply element that may arrive as an integer or as a
// bulk string (HGET results come back as strings).
func luaInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func luaString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// joinLua admits a user into the waiting table in one atomic step. An active
// entry for a different chat type rejects the join; an active entry for the
// same chat type is refreshed in place, keeping its join time, handle and
// retry state. Returns {-1} on conflict, {0} for a fresh entry, and
// {1, anonymous_id, joined_at, priority, retry_count, last_attempt} for a
// refresh.
const joinLua = `
local entry = KEYS[1]
local waiting = KEYS[2]

if redis.call('HGET', entry, 'active') == '1' then
	if redis.call('HGET', entry, 'chat_type') ~= ARGV[1] then
		return {-1}
	end
	redis.call('HSET', entry,
		'display_name', ARGV[3],
		'language', ARGV[4],
		'interests', ARGV[5],
		'age_min', ARGV[6],
		'age_max', ARGV[7])
	local joined = redis.call('HGET', entry, 'joined_at')
	redis.call('ZADD', waiting, joined, ARGV[2])
	return {1,
		redis.call('HGET', entry, 'anonymous_id'),
		joined,
		redis.call('HGET', entry, 'priority'),
		redis.call('HGET', entry, 'retry_count'),
		redis.call('HGET', entry, 'last_attempt')}
end

redis.call('DEL', entry)
redis.call('HSET', entry,
	'user_id', ARGV[2],
	'display_name', ARGV[3],
	'anonymous_id', ARGV[8],
	'chat_type', ARGV[1],
	'language', ARGV[4],
	'interests', ARGV[5],
	'age_min', ARGV[6],
	'age_max', ARGV[7],
	'joined_at', ARGV[9],
	'priority', 0,
	'retry_count', 0,
	'last_attempt', 0,
	'active', '1')
redis.call('ZADD', waiting, ARGV[9], ARGV[2])
return {0}
`

// claimPairLua claims both sides of a match in one atomic step. Each entry
// must still be active; on success both flip inactive and leave the waiting
// index. Returns 1 on success, -1 if the seeker lost the race, -2 if the
// candidate did.
const claimPairLua = `
local seeker = KEYS[1]
local candidate = KEYS[2]
local waiting = KEYS[3]

if redis.call('HGET', seeker, 'active') ~= '1' then return -1 end
if redis.call('HGET', candidate, 'active') ~= '1' then return -2 end

redis.call('HSET', seeker, 'active', '0')
redis.call('HSET', candidate, 'active', '0')
redis.call('ZREM', waiting, ARGV[1])
redis.call('ZREM', waiting, ARGV[2])
return 1
`
