package matching

import (
	"sort"

	"github.com/driftchat/drift/internal/queue"
)

// CandidateWindow bounds how many ranked candidates a single match attempt
// will try to claim, keeping per-attempt cost predictable.
const CandidateWindow = 10

// Rank orders candidates by priority descending, then join time ascending.
// Higher priority means more failed attempts behind the entry; among equal
// priorities the older waiter wins. Patience and prior relaxation are both
// rewarded.
func Rank(entries []*queue.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].JoinedAt < entries[j].JoinedAt
	})
}

// TopCandidates filters candidates through a tier predicate, ranks the
// survivors, and truncates to the candidate window.
func TopCandidates(seeker *queue.Entry, candidates []*queue.Entry, tier Tier) []*queue.Entry {
	matched := make([]*queue.Entry, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == seeker.UserID {
			continue
		}
		if tier.Match(seeker, c) {
			matched = append(matched, c)
		}
	}
	Rank(matched)
	if len(matched) > CandidateWindow {
		matched = matched[:CandidateWindow]
	}
	return matched
}
