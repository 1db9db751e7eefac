// Package ban provides user suspension management backed by Redis, driven by
// abuse-report volume. Suspension records are simple key-value pairs with
// TTL-based expiry:
//
//	Key:   suspend:<user_id>
//	Value: <reason>
//	TTL:   suspension duration
//
// A rolling 24h report counter per user feeds the auto-suspend threshold.
// External orchestration consults IsSuspended before admitting a user to the
// queue; the matcher itself trusts whatever entries the queue exposes.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SuspendPrefix is the Redis key prefix for suspension records.
	SuspendPrefix = "suspend:"

	// ReportsPrefix is the Redis key prefix for rolling report counters.
	ReportsPrefix = "reports:"

	// Escalating suspension durations.
	Suspend15Min  = 15 * time.Minute // 1st threshold hit
	Suspend1Hour  = 1 * time.Hour    // 2nd
	Suspend24Hour = 24 * time.Hour   // 3rd and beyond

	// ReportsWindow is how long the report counter lives. After 24h without
	// new reports the counter resets to zero.
	ReportsWindow = 24 * time.Hour

	// AutoSuspendThreshold is the number of reports within ReportsWindow
	// that triggers an automatic suspension.
	AutoSuspendThreshold = 3
)

// Store manages suspension records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a suspension store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsSuspended checks if a user is currently suspended.
// Returns (suspended, remainingSeconds, reason, error). Redis errors are
// returned so callers can decide how to handle them; the recommended policy
// is fail-open.
func (s *Store) IsSuspended(ctx context.Context, userID string) (bool, int, string, error) {
	key := SuspendPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The suspension exists but the TTL read failed. Report suspended
		// with 0 remaining rather than swallowing the suspension.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Suspend sets a suspension with the given duration and reason. The record
// expires automatically.
func (s *Store) Suspend(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, SuspendPrefix+userID, reason, duration).Err()
}

// Lift removes a user's suspension immediately.
func (s *Store) Lift(ctx context.Context, userID string) error {
	return s.client.Del(ctx, SuspendPrefix+userID).Err()
}

// RecentReportCount returns the rolling report counter for a user. Returns 0
// if the counter expired or was never set.
func (s *Store) RecentReportCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, ReportsPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// escalationDuration returns the suspension duration for a given report count.
func escalationDuration(count int) time.Duration {
	switch {
	case count <= AutoSuspendThreshold:
		return Suspend15Min
	case count == AutoSuspendThreshold+1:
		return Suspend1Hour
	default:
		return Suspend24Hour
	}
}

// RecordReport increments the user's rolling report counter and checks the
// auto-suspend threshold. When the threshold is met or exceeded, a
// suspension with escalating duration is applied. Returns
// (suspended, duration, error).
//
// The counter's TTL is set only on first increment so the 24h window does
// not slide with each report.
func (s *Store) RecordReport(ctx context.Context, userID string) (bool, time.Duration, error) {
	key := ReportsPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: record report incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsWindow).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: record report expire: %w", err)
		}
	}

	if count >= AutoSuspendThreshold {
		duration := escalationDuration(int(count))
		if err := s.Suspend(ctx, userID, duration, "multiple_reports"); err != nil {
			return false, 0, fmt.Errorf("ban: record report suspend: %w", err)
		}
		return true, duration, nil
	}
	return false, 0, nil
}
