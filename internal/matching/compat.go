// Package matching pairs waiting users into chat sessions. Compatibility is
// evaluated through an ordered list of relaxation tiers: the exact tier
// honours every soft preference, later tiers progressively drop language and
// then interests. The chat type is structural (each type has its own waiting
// index) and is never relaxed.
package matching

import (
	"sort"

	"github.com/driftchat/drift/internal/queue"
)

// Tier is one step of the preference-relaxation ladder: a name for logging
// plus the compatibility predicate applied at that step. Adding a tier (for
// example relaxing the age range) is a one-line extension of Tiers.
type Tier struct {
	Name  string
	Match func(seeker, candidate *queue.Entry) bool
}

// Tiers returns the relaxation ladder in evaluation order.
func Tiers() []Tier {
	return []Tier{
		{"exact", func(s, c *queue.Entry) bool {
			return LanguageMatches(s, c) && InterestsOverlap(s, c) && AgeRangesOverlap(s, c)
		}},
		{"language_relaxed", func(s, c *queue.Entry) bool {
			return InterestsOverlap(s, c) && AgeRangesOverlap(s, c)
		}},
		{"interests_relaxed", func(s, c *queue.Entry) bool {
			return AgeRangesOverlap(s, c)
		}},
	}
}

// LanguageMatches applies the language preference. A seeker without a
// language preference accepts any candidate.
func LanguageMatches(seeker, candidate *queue.Entry) bool {
	if seeker.Preferences.Language == "" {
		return true
	}
	return candidate.Preferences.Language == seeker.Preferences.Language
}

// InterestsOverlap applies the interest preference: the intersection of the
// two interest sets must be non-empty. A seeker without interests accepts
// any candidate.
func InterestsOverlap(seeker, candidate *queue.Entry) bool {
	if len(seeker.Preferences.Interests) == 0 {
		return true
	}
	return len(SharedInterests(seeker, candidate)) > 0
}

// SharedInterests returns the sorted intersection of the two interest sets.
func SharedInterests(a, b *queue.Entry) []string {
	if len(a.Preferences.Interests) == 0 || len(b.Preferences.Interests) == 0 {
		return nil
	}
	mine := make(map[string]bool, len(a.Preferences.Interests))
	for _, tag := range a.Preferences.Interests {
		mine[tag] = true
	}
	var shared []string
	for _, tag := range b.Preferences.Interests {
		if mine[tag] {
			shared = append(shared, tag)
		}
	}
	sort.Strings(shared)
	return shared
}

// AgeRangesOverlap applies the age preference as an interval-overlap test.
// An absent range on either side is treated as compatible.
func AgeRangesOverlap(seeker, candidate *queue.Entry) bool {
	if !seeker.Preferences.HasAgeRange() || !candidate.Preferences.HasAgeRange() {
		return true
	}
	return seeker.Preferences.AgeMin <= candidate.Preferences.AgeMax &&
		candidate.Preferences.AgeMin <= seeker.Preferences.AgeMax
}
