package dedup

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

const (
	// DefaultThreshold is the ratio at or above which two documents are
	// duplicates.
	DefaultThreshold = 0.995
	// NumericOverrideAbove and NumericCap implement the numeric override: a
	// ratio above NumericOverrideAbove is capped at NumericCap when the two
	// texts carry different numbers. The values are tuned to the admissions
	// corpus and are kept configurable for that reason.
	NumericOverrideAbove = 0.99
	NumericCap           = 0.97
)

// Scorer computes the fuzzy similarity of two documents.
type Scorer struct {
	metric        strutil.StringMetric
	overrideAbove float64
	cap           float64
}

type ScorerOption func(*Scorer)

// WithNumericOverride changes the override trigger and cap.
func WithNumericOverride(above, capAt float64) ScorerOption {
	return func(s *Scorer) {
		s.overrideAbove = above
		s.cap = capAt
	}
}

func NewScorer(opts ...ScorerOption) *Scorer {
	lev := metrics.NewLevenshtein()
	lev.CaseSensitive = false
	s := &Scorer{metric: lev, overrideAbove: NumericOverrideAbove, cap: NumericCap}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the similarity of the raw texts a and b in [0, 1].
func (s *Scorer) Score(a, b string) float64 {
	return s.ScoreNormalized(Normalize(a), a, Normalize(b), b)
}

// ScoreNormalized scores already-normalized texts. The raw texts are used
// for the numeric override so that formatting does not hide a change.
func (s *Scorer) ScoreNormalized(normA, rawA, normB, rawB string) float64 {
	if normA == "" || normB == "" {
		return 0
	}
	ratio := strutil.Similarity(normA, normB, s.metric)
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	if ratio > s.overrideAbove && NumbersDiffer(rawA, rawB) {
		ratio = s.cap
	}
	return ratio
}
