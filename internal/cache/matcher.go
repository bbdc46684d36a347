package cache

import (
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/cachevoice/cachevoice/internal/config"
)

// ScorerFunc scores two normalized strings on a 0..100 scale.
type ScorerFunc func(a, b string) int

var scorers = map[string]ScorerFunc{
	"ratio":            func(a, b string) int { return fuzzy.Ratio(a, b) },
	"partial_ratio":    func(a, b string) int { return fuzzy.PartialRatio(a, b) },
	"token_sort_ratio": func(a, b string) int { return fuzzy.TokenSortRatio(a, b) },
	"token_set_ratio":  func(a, b string) int { return fuzzy.TokenSetRatio(a, b) },
	"WRatio":           func(a, b string) int { return fuzzy.WRatio(a, b) },
}

// ScorerByName resolves a configured scorer, defaulting to token_sort_ratio
// for unknown names.
func ScorerByName(name string) ScorerFunc {
	if s, ok := scorers[name]; ok {
		return s
	}
	return scorers["token_sort_ratio"]
}

// FuzzyMatch is a lexical near-match against a cached key.
type FuzzyMatch struct {
	Matched string
	Path    string
	Score   int
}

// FuzzyMatcher scans hot-index keys of a single voice bucket for the best
// candidate at or above the threshold. Equal scores break toward the
// lexicographically smaller candidate so results are deterministic.
type FuzzyMatcher struct {
	hot       *HotIndex
	threshold int
	scorer    ScorerFunc
}

func NewFuzzyMatcher(hot *HotIndex, cfg config.FuzzyConfig) *FuzzyMatcher {
	return &FuzzyMatcher{
		hot:       hot,
		threshold: cfg.Threshold,
		scorer:    ScorerByName(cfg.Scorer),
	}
}

// Find returns the best match for textNormalized within the voice bucket, or
// nil when nothing reaches the threshold.
func (f *FuzzyMatcher) Find(textNormalized, voiceID string) *FuzzyMatch {
	var (
		best      string
		bestScore = -1
	)
	for _, candidate := range f.hot.Keys(voiceID) {
		score := f.scorer(textNormalized, candidate)
		if score < f.threshold {
			continue
		}
		if score > bestScore || (score == bestScore && candidate < best) {
			best = candidate
			bestScore = score
		}
	}
	if bestScore < 0 {
		return nil
	}
	path := f.hot.ExactLookup(best, voiceID)
	if path == "" {
		return nil
	}
	return &FuzzyMatch{Matched: best, Path: path, Score: bestScore}
}
