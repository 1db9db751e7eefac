// Package sweeper runs the time-based retention job: stale queue entries,
// terminated sessions past their retention window, and closed reports are
// purged on a fixed cadence. A failed sweep only logs; the next tick retries.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/session"
)

const (
	// sweepInterval is the pause between sweep runs.
	sweepInterval = 1 * time.Minute

	// QueueInactiveAfter expires entries that were claimed or abandoned but
	// never physically removed.
	QueueInactiveAfter = 1 * time.Hour

	// QueueMaxAge expires any entry, active or not, by absolute age.
	QueueMaxAge = 24 * time.Hour

	// SessionRetention is how long ended sessions stay readable.
	SessionRetention = 7 * 24 * time.Hour

	// ReportRetention is how long resolved and dismissed reports are kept.
	ReportRetention = 30 * 24 * time.Hour
)

// Sweeper deletes expired records across the engine's stores. The report
// store is optional: a nil store skips report retention (the matcher binary
// may run without a database connection).
type Sweeper struct {
	queue    *queue.Store
	sessions *session.Store
	reports  *report.Store
}

// New creates a sweeper over the given stores.
func New(q *queue.Store, sessions *session.Store, reports *report.Store) *Sweeper {
	return &Sweeper{queue: q, sessions: sessions, reports: reports}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	log.Println("[sweeper] started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every store. Errors are logged, never raised.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepQueue(ctx)
	s.sweepSessions(ctx)
	s.sweepReports(ctx)
}

// sweepQueue removes entries inactive and untouched for over an hour, and
// any entry older than 24 hours regardless of state.
func (s *Sweeper) sweepQueue(ctx context.Context) {
	now := time.Now().UnixMilli()
	var expired []string

	err := s.queue.ScanEntries(ctx, func(e *queue.Entry) error {
		lastTouched := e.JoinedAt
		if e.LastAttempt > lastTouched {
			lastTouched = e.LastAttempt
		}
		switch {
		case now-e.JoinedAt > QueueMaxAge.Milliseconds():
			expired = append(expired, e.UserID)
		case !e.Active && now-lastTouched > QueueInactiveAfter.Milliseconds():
			expired = append(expired, e.UserID)
		}
		return nil
	})
	if err != nil {
		log.Printf("[sweeper] scan queue: %v", err)
		return
	}

	removed := 0
	for _, userID := range expired {
		if err := s.queue.Leave(ctx, userID); err != nil {
			log.Printf("[sweeper] remove queue entry %s: %v", userID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.SweepDeletionsTotal.WithLabelValues("queue_entry").Add(float64(removed))
		log.Printf("[sweeper] removed %d expired queue entries", removed)
	}
}

// sweepSessions purges terminal sessions whose end time passed the retention
// window.
func (s *Sweeper) sweepSessions(ctx context.Context) {
	cutoff := time.Now().Add(-SessionRetention)
	ids, err := s.sessions.EndedBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[sweeper] list ended sessions: %v", err)
		return
	}

	purged := 0
	for _, id := range ids {
		if err := s.sessions.Delete(ctx, id); err != nil {
			log.Printf("[sweeper] purge session %s: %v", id, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		metrics.SweepDeletionsTotal.WithLabelValues("session").Add(float64(purged))
		log.Printf("[sweeper] purged %d expired sessions", purged)
	}
}

// sweepReports purges resolved and dismissed reports past their retention.
func (s *Sweeper) sweepReports(ctx context.Context) {
	if s.reports == nil {
		return
	}

	cutoff := time.Now().Add(-ReportRetention)
	n, err := s.reports.PurgeResolvedBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[sweeper] purge reports: %v", err)
		return
	}
	if n > 0 {
		metrics.SweepDeletionsTotal.WithLabelValues("report").Add(float64(n))
		log.Printf("[sweeper] purged %d closed reports", n)
	}
}
