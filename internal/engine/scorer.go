package engine

import (
	"context"
	"math"

	"notifyledger/internal/model"
)

// Scorer rates how likely a candidate is a real transaction, in [0,1].
type Scorer interface {
	Score(ctx context.Context, c model.Candidate) (float64, error)
}

type ScorerFunc func(ctx context.Context, c model.Candidate) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, c model.Candidate) (float64, error) {
	return f(ctx, c)
}

// CandidateScorer trusts the confidence reported by the upstream parser.
type CandidateScorer struct{}

func (CandidateScorer) Score(_ context.Context, c model.Candidate) (float64, error) {
	return c.Confidence, nil
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// KeywordScorer uses the upstream confidence when one was supplied and
// otherwise rates the candidate on the signals a parser would have used:
// an amount, a counterparty and payment wording.
type KeywordScorer struct {
	keywords []string
}

func NewKeywordScorer(paymentKeywords []string) *KeywordScorer {
	return &KeywordScorer{keywords: lowerAll(paymentKeywords)}
}

func (s *KeywordScorer) Score(_ context.Context, c model.Candidate) (float64, error) {
	if c.Confidence > 0 {
		return c.Confidence, nil
	}
	score := 0.1
	if c.AmountCents != 0 {
		score += 0.4
	}
	if c.Merchant != "" {
		score += 0.15
	}
	if containsAny(NormalizeContent(c.Content()), s.keywords) {
		score += 0.3
	}
	return clampScore(score), nil
}
