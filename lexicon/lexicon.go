// Package lexicon matches post text against nightlife keywords and computes vibe scores.
package lexicon

import "strings"

// Lexicon is a platform-specific keyword list.
type Lexicon []string

// Default keyword lists per platform.
var (
	TwitterKeywords = Lexicon{
		"club", "party", "nightlife", "lit", "turnt", "DJ", "dance", "rave",
		"clubbing", "nightout", "drinks", "dancing", "music", "vibes",
	}
	InstagramKeywords = Lexicon{
		"party", "nightlife", "clubHarare", "club", "turnup", "vibes", "lit",
	}
	TikTokKeywords = Lexicon{
		"nightlife", "partyharare", "clubvibes", "party", "turnup", "vibes", "lit", "club",
	}
)

// PartyEmojis is the default emoji set used for scoring.
var PartyEmojis = []string{"🎉", "🍾", "🥳", "💃", "🕺", "🎵", "🎶", "🔥", "✨", "🌟"}

// ExtractKeywords returns the lexicon entries that occur in text, ignoring case.
// A "#tag" occurrence matches because the bare entry is a substring of it.
// Results keep lexicon order and never repeat an entry.
func ExtractKeywords(text string, lex Lexicon) []string {
	lower := strings.ToLower(text)
	var found []string
	seen := make(map[string]bool, len(lex))
	for _, kw := range lex {
		if kw == "" || seen[kw] {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			seen[kw] = true
			found = append(found, kw)
		}
	}
	return found
}

// Scorer computes vibe scores from like counts and emoji density.
type Scorer struct {
	emojis []string
}

// NewScorer creates a scorer over the given emoji set.
// Empty and repeated glyphs are dropped so each glyph counts once per occurrence.
func NewScorer(emojis []string) *Scorer {
	seen := make(map[string]bool, len(emojis))
	var set []string
	for _, e := range emojis {
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		set = append(set, e)
	}
	return &Scorer{emojis: set}
}

// Score returns likes + 2 × total emoji occurrences in text.
func (s *Scorer) Score(text string, likes int) int {
	return likes + 2*s.EmojiCount(text)
}

// EmojiCount counts every occurrence of every glyph in the set.
func (s *Scorer) EmojiCount(text string) int {
	n := 0
	for _, e := range s.emojis {
		n += strings.Count(text, e)
	}
	return n
}
