package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStore(rdb), ctx
}

func createTestSession(t *testing.T, s *Store, ctx context.Context) *ChatSession {
	t.Helper()
	cs, err := s.Create(ctx,
		Participant{UserID: "alice", DisplayName: "Alice", AnonymousID: "anon-aaaa"},
		Participant{UserID: "bob", DisplayName: "Bob", AnonymousID: "anon-bbbb"},
		"text",
		Preferences{Language: "en", Interests: []string{"music"}},
	)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return cs
}

func TestCreate_ActiveSession(t *testing.T) {
	s, ctx := setupTestStore(t)

	cs := createTestSession(t, s, ctx)
	if cs.Status != StatusActive {
		t.Errorf("expected active, got %s", cs.Status)
	}

	got, err := s.Get(ctx, cs.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.A.UserID != "alice" || got.B.UserID != "bob" {
		t.Errorf("expected alice+bob, got %s+%s", got.A.UserID, got.B.UserID)
	}
	if !got.A.Active || !got.B.Active {
		t.Error("both participants should start active")
	}
	if got.Preferences.Language != "en" {
		t.Errorf("expected language=en, got %s", got.Preferences.Language)
	}
}

func TestGet_UnknownSession(t *testing.T) {
	s, ctx := setupTestStore(t)

	_, err := s.Get(ctx, "no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddMessage_AppendsAndCounts(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	msg, err := s.AddMessage(ctx, cs.ID, "alice", "hello", MessageText, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.AnonymousID != "anon-aaaa" {
		t.Errorf("message should carry the sender's session handle, got %s", msg.AnonymousID)
	}

	if _, err := s.AddMessage(ctx, cs.ID, "bob", "hi!", MessageText, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.Messages(ctx, cs.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi!" {
		t.Errorf("messages out of order: %q, %q", msgs[0].Content, msgs[1].Content)
	}

	got, err := s.Get(ctx, cs.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MessagesCount != 2 {
		t.Errorf("expected messages_count=2, got %d", got.MessagesCount)
	}
}

func TestAddMessage_NonParticipantRejected(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	_, err := s.AddMessage(ctx, cs.ID, "mallory", "let me in", MessageText, false)
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestAddMessage_EndedSessionRejected(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	if _, err := s.End(ctx, cs.ID, EndUserLeft); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.AddMessage(ctx, cs.ID, "alice", "too late", MessageText, false)
	if !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
}

func TestEnd_Terminates(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	ended, err := s.End(ctx, cs.ID, EndUserLeft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ended.Status != StatusEnded {
		t.Errorf("expected ended, got %s", ended.Status)
	}
	if ended.EndReason != EndUserLeft {
		t.Errorf("expected user_left, got %s", ended.EndReason)
	}
	if ended.EndedAt == 0 {
		t.Error("expected ended_at to be set")
	}
	if ended.A.Active || ended.B.Active {
		t.Error("participants should be inactive after the end")
	}
	if ended.A.LeftAt == 0 || ended.B.LeftAt == 0 {
		t.Error("left_at should be recorded for both participants")
	}
}

func TestEnd_InvalidReason(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	_, err := s.End(ctx, cs.ID, "rage_quit")
	if !errors.Is(err, ErrInvalidEndReason) {
		t.Errorf("expected ErrInvalidEndReason, got %v", err)
	}
}

func TestEnd_IdempotentKeepsFirstReason(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	first, err := s.End(ctx, cs.ID, EndUserLeft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	second, err := s.End(ctx, cs.ID, EndTimeout)
	if err != nil {
		t.Fatalf("second end should be a no-op, got %v", err)
	}

	if second.EndReason != EndUserLeft {
		t.Errorf("first reason must win, got %s", second.EndReason)
	}
	if second.EndedAt != first.EndedAt {
		t.Errorf("first end time must win: %d != %d", second.EndedAt, first.EndedAt)
	}
}

func TestMarkReported_TerminalStatus(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	reported, err := s.MarkReported(ctx, cs.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reported.Status != StatusReported {
		t.Errorf("expected reported, got %s", reported.Status)
	}
	if !reported.Terminal() {
		t.Error("reported sessions are terminal")
	}

	// Ending afterwards does not overwrite the reported status.
	after, err := s.End(ctx, cs.ID, EndUserLeft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.Status != StatusReported {
		t.Errorf("reported status must stick, got %s", after.Status)
	}
}

func TestIncrReportCount(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	if err := s.IncrReportCount(ctx, cs.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.IncrReportCount(ctx, cs.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Get(ctx, cs.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ReportCount != 2 {
		t.Errorf("expected report_count=2, got %d", got.ReportCount)
	}
}

func TestEndedBeforeAndDelete(t *testing.T) {
	s, ctx := setupTestStore(t)
	cs := createTestSession(t, s, ctx)

	if _, err := s.End(ctx, cs.ID, EndUserLeft); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The end time is in the past relative to a future cutoff.
	ids, err := s.EndedBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != cs.ID {
		t.Fatalf("expected [%s], got %v", cs.ID, ids)
	}

	// A cutoff before the end time excludes it.
	ids, err = s.EndedBefore(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no sessions before the early cutoff, got %v", ids)
	}

	if err := s.Delete(ctx, cs.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Get(ctx, cs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	ids, _ = s.EndedBefore(ctx, time.Now().Add(time.Minute))
	if len(ids) != 0 {
		t.Errorf("expected the ended index cleared, got %v", ids)
	}
}
