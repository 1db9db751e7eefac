package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/session"
)

const (
	// matchInterval is the periodic full-queue pass. Joins additionally
	// trigger an immediate attempt via match.request, so the tick only has
	// to catch entries whose compatible partner arrived after them.
	matchInterval = 2 * time.Second

	// scanWindow bounds how many waiting entries one attempt reads before
	// tier filtering.
	scanWindow = 50

	// maxStoreRetries bounds retries of transient storage failures before
	// a match attempt surfaces ErrMatchUnavailable.
	maxStoreRetries = 3
)

// ErrMatchUnavailable is returned when repeated storage failures prevent a
// match attempt from completing. Callers should simply re-poll.
var ErrMatchUnavailable = errors.New("matching: temporarily unavailable")

// MatchRequest is the NATS payload sent by the API server when a user joins
// the queue.
type MatchRequest struct {
	UserID string `json:"user_id"`
}

// MatchedEvent is published to match.found.<user_id> for each side of a new
// session.
type MatchedEvent struct {
	SessionID       string   `json:"session_id"`
	ChatType        string   `json:"chat_type"`
	AnonymousID     string   `json:"anonymous_id"`         // the receiver's own handle
	PartnerAnonID   string   `json:"partner_anonymous_id"` // the partner's handle
	PartnerName     string   `json:"partner_display_name"`
	SharedInterests []string `json:"shared_interests,omitempty"`
	Tier            string   `json:"tier"`
}

// Service is the background matching service. It consumes match requests over
// NATS, runs the periodic match loop, and creates sessions on successful
// atomic claims.
type Service struct {
	queue    *queue.Store
	sessions *session.Store
	nats     *messaging.Client
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewService creates a matching service over the given stores. A nil nats
// client disables event publishing; matching itself still works.
func NewService(q *queue.Store, sessions *session.Store, nats *messaging.Client) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:    q,
		sessions: sessions,
		nats:     nats,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to match requests and starts the periodic loop. With a
// nil nats client only the periodic loop runs.
func (s *Service) Start() error {
	if s.nats != nil {
		if err := s.nats.SubscribeMatchRequest(s.handleMatchRequest); err != nil {
			return err
		}
	}

	go s.matchLoop()

	log.Println("[matcher] service started")
	return nil
}

// Stop gracefully shuts down the matching service.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

func (s *Service) handleMatchRequest(data []byte) {
	var req MatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid match request: %v", err)
		return
	}

	if _, err := s.MatchUser(s.ctx, req.UserID); err != nil {
		log.Printf("[matcher] match %s: %v", req.UserID, err)
	}
}

// matchLoop runs a full-queue matching pass on a fixed cadence.
func (s *Service) matchLoop() {
	ticker := time.NewTicker(matchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] match loop stopped")
			return
		case <-ticker.C:
			s.processQueues()
		}
	}
}

// processQueues walks every chat type's waiting index oldest-first and
// attempts a match for each entry still active. An entry matched earlier in
// the same pass is skipped by the re-check inside MatchUser.
func (s *Service) processQueues() {
	for _, chatType := range []string{queue.ChatTypeText, queue.ChatTypeVoice, queue.ChatTypeVideo} {
		waiting, err := s.queue.Waiting(s.ctx, chatType, 0)
		if err != nil {
			log.Printf("[matcher] read %s queue: %v", chatType, err)
			continue
		}
		metrics.QueueSize.WithLabelValues(chatType).Set(float64(len(waiting)))

		for _, entry := range waiting {
			if _, err := s.MatchUser(s.ctx, entry.UserID); err != nil {
				log.Printf("[matcher] match %s: %v", entry.UserID, err)
			}
		}
	}
}

// MatchUser runs one match attempt for the user's waiting entry. On success
// it returns the new session; when no compatible partner is available it
// bumps the entry's retry state and returns (nil, nil), leaving the entry
// active for the next pass. Transient storage failures are retried a bounded
// number of times before ErrMatchUnavailable surfaces.
func (s *Service) MatchUser(ctx context.Context, userID string) (*session.ChatSession, error) {
	var lastErr error
	for attempt := 0; attempt < maxStoreRetries; attempt++ {
		cs, err := s.tryMatch(ctx, userID)
		if err == nil {
			return cs, nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return nil, fmt.Errorf("%w: %v", ErrMatchUnavailable, lastErr)
}

// tryMatch is one read-scan-claim cycle. The candidate scan may return stale
// entries; the atomic claim re-validates both sides, and a lost race moves
// on to the next candidate.
func (s *Service) tryMatch(ctx context.Context, userID string) (*session.ChatSession, error) {
	seeker, err := s.queue.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if seeker == nil || !seeker.Active {
		return nil, nil // left the queue or already matched
	}

	candidates, err := s.queue.Waiting(ctx, seeker.Preferences.ChatType, scanWindow)
	if err != nil {
		return nil, err
	}

	for _, tier := range Tiers() {
		for _, candidate := range TopCandidates(seeker, candidates, tier) {
			result, err := s.queue.ClaimPair(ctx, seeker.Preferences.ChatType, seeker.UserID, candidate.UserID)
			if err != nil {
				return nil, err
			}
			switch result {
			case queue.ClaimOK:
				return s.establishSession(ctx, seeker, candidate, tier.Name)
			case queue.ClaimSeekerLost:
				// Our own entry was claimed by a concurrent matcher;
				// nothing left to do for this user.
				metrics.ClaimConflictsTotal.Inc()
				return nil, nil
			default:
				// Candidate vanished under us; try the next one.
				metrics.ClaimConflictsTotal.Inc()
			}
		}
	}

	// No match at any tier: reward the wait on the next ranking pass.
	if _, err := s.queue.TouchRetry(ctx, seeker.UserID); err != nil {
		return nil, err
	}
	return nil, nil
}

// establishSession turns a claimed pair into an active session and publishes
// the matched event to both sides. Fresh anonymous handles are generated per
// session so handles are never reused across sessions for the same user.
func (s *Service) establishSession(ctx context.Context, seeker, candidate *queue.Entry, tier string) (*session.ChatSession, error) {
	shared := SharedInterests(seeker, candidate)

	a := session.Participant{
		UserID:      seeker.UserID,
		DisplayName: seeker.DisplayName,
		AnonymousID: queue.NewAnonymousID(),
	}
	b := session.Participant{
		UserID:      candidate.UserID,
		DisplayName: candidate.DisplayName,
		AnonymousID: queue.NewAnonymousID(),
	}
	prefs := session.Preferences{
		Language:  seeker.Preferences.Language,
		Interests: shared,
		AgeMin:    seeker.Preferences.AgeMin,
		AgeMax:    seeker.Preferences.AgeMax,
	}

	cs, err := s.sessions.Create(ctx, a, b, seeker.Preferences.ChatType, prefs)
	if err != nil {
		return nil, err
	}

	// Claimed entries are logically removed already; drop the hashes. If
	// either delete fails the sweeper picks the leftovers up later.
	if err := s.queue.Remove(ctx, seeker.UserID); err != nil {
		log.Printf("[matcher] remove %s: %v", seeker.UserID, err)
	}
	if err := s.queue.Remove(ctx, candidate.UserID); err != nil {
		log.Printf("[matcher] remove %s: %v", candidate.UserID, err)
	}

	s.publishMatched(cs, shared, tier)

	metrics.MatchesTotal.WithLabelValues(tier).Inc()
	now := time.Now().UnixMilli()
	metrics.MatchWaitSeconds.Observe(float64(now-seeker.JoinedAt) / 1000)
	metrics.MatchWaitSeconds.Observe(float64(now-candidate.JoinedAt) / 1000)

	log.Printf("[matcher] matched session=%s a=%s b=%s tier=%s shared=%v",
		cs.ID, seeker.UserID, candidate.UserID, tier, shared)
	return cs, nil
}

func (s *Service) publishMatched(cs *session.ChatSession, shared []string, tier string) {
	if s.nats == nil {
		return
	}
	for _, side := range []struct {
		self, partner *session.Participant
	}{
		{&cs.A, &cs.B},
		{&cs.B, &cs.A},
	} {
		event := MatchedEvent{
			SessionID:       cs.ID,
			ChatType:        cs.ChatType,
			AnonymousID:     side.self.AnonymousID,
			PartnerAnonID:   side.partner.AnonymousID,
			PartnerName:     side.partner.DisplayName,
			SharedInterests: shared,
			Tier:            tier,
		}
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("[matcher] marshal matched event: %v", err)
			continue
		}
		if err := s.nats.PublishMatchFound(side.self.UserID, data); err != nil {
			log.Printf("[matcher] publish match.found for %s: %v", side.self.UserID, err)
		}
	}
}
