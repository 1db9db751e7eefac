package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/session"
)

// setupTest creates stores over a test Redis instance. Requires Redis on
// localhost:6379; skipped if unavailable. Runs without a report store, like
// a matcher with no database attached.
func setupTest(t *testing.T) (*Sweeper, *queue.Store, *session.Store, *redis.Client, context.Context) {
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

	q := queue.NewStore(rdb)
	sessions := session.NewStore(rdb)
	return New(q, sessions, nil), q, sessions, rdb, ctx
}

// backdateEntry rewrites an entry's joined_at so age-based expiry kicks in.
func backdateEntry(t *testing.T, rdb *redis.Client, ctx context.Context, userID string, age time.Duration) {
	t.Helper()
	joined := time.Now().Add(-age).UnixMilli()
	if err := rdb.HSet(ctx, "queue:user:"+userID, "joined_at", joined).Err(); err != nil {
		t.Fatalf("backdate %s: %v", userID, err)
	}
}

func TestSweep_RemovesAgedQueueEntries(t *testing.T) {
	sw, q, _, rdb, ctx := setupTest(t)

	if _, err := q.Join(ctx, "old", "Old", queue.Preferences{ChatType: queue.ChatTypeText}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := q.Join(ctx, "fresh", "Fresh", queue.Preferences{ChatType: queue.ChatTypeText}); err != nil {
		t.Fatalf("join: %v", err)
	}
	backdateEntry(t, rdb, ctx, "old", QueueMaxAge+time.Hour)

	sw.Sweep(ctx)

	gone, err := q.Get(ctx, "old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gone != nil {
		t.Errorf("expected the aged entry removed, got %+v", gone)
	}

	kept, err := q.Get(ctx, "fresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kept == nil || !kept.Active {
		t.Error("the fresh entry must survive the sweep")
	}
}

func TestSweep_RemovesStaleClaimedEntries(t *testing.T) {
	sw, q, _, rdb, ctx := setupTest(t)

	if _, err := q.Join(ctx, "alice", "Alice", queue.Preferences{ChatType: queue.ChatTypeText}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := q.Join(ctx, "bob", "Bob", queue.Preferences{ChatType: queue.ChatTypeText}); err != nil {
		t.Fatalf("join: %v", err)
	}

	// A claim flips both entries inactive; a crash before Remove leaves
	// them behind.
	if _, err := q.ClaimPair(ctx, queue.ChatTypeText, "alice", "bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	backdateEntry(t, rdb, ctx, "alice", QueueInactiveAfter+time.Minute)
	backdateEntry(t, rdb, ctx, "bob", QueueInactiveAfter+time.Minute)

	sw.Sweep(ctx)

	for _, id := range []string{"alice", "bob"} {
		entry, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if entry != nil {
			t.Errorf("expected stale claimed entry %s removed, got %+v", id, entry)
		}
	}
}

func TestSweep_KeepsRecentInactiveEntries(t *testing.T) {
	sw, q, _, _, ctx := setupTest(t)

	if _, err := q.Join(ctx, "alice", "Alice", queue.Preferences{ChatType: queue.ChatTypeText}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := q.Join(ctx, "bob", "Bob", queue.Preferences{ChatType: queue.ChatTypeText}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := q.ClaimPair(ctx, queue.ChatTypeText, "alice", "bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Freshly claimed entries stay: the matcher may still be mid-session
	// setup.
	sw.Sweep(ctx)

	entry, err := q.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry == nil {
		t.Error("a freshly claimed entry must survive the sweep")
	}
}

func TestSweep_PurgesExpiredSessions(t *testing.T) {
	sw, _, sessions, rdb, ctx := setupTest(t)

	cs, err := sessions.Create(ctx,
		session.Participant{UserID: "alice", AnonymousID: "anon-a"},
		session.Participant{UserID: "bob", AnonymousID: "anon-b"},
		"text", session.Preferences{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.End(ctx, cs.ID, session.EndUserLeft); err != nil {
		t.Fatalf("end session: %v", err)
	}

	// Backdate the ended-index score past the retention window.
	old := float64(time.Now().Add(-SessionRetention - time.Hour).UnixMilli())
	if err := rdb.ZAdd(ctx, "chat:ended", redis.Z{Score: old, Member: cs.ID}).Err(); err != nil {
		t.Fatalf("backdate session: %v", err)
	}

	sw.Sweep(ctx)

	if _, err := sessions.Get(ctx, cs.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected the expired session purged, got %v", err)
	}
}

func TestSweep_KeepsRecentSessions(t *testing.T) {
	sw, _, sessions, _, ctx := setupTest(t)

	cs, err := sessions.Create(ctx,
		session.Participant{UserID: "alice", AnonymousID: "anon-a"},
		session.Participant{UserID: "bob", AnonymousID: "anon-b"},
		"text", session.Preferences{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.End(ctx, cs.ID, session.EndUserLeft); err != nil {
		t.Fatalf("end session: %v", err)
	}

	sw.Sweep(ctx)

	if _, err := sessions.Get(ctx, cs.ID); err != nil {
		t.Errorf("a recently ended session must survive the sweep, got %v", err)
	}
}
