package scorer

import (
	"context"
	"strconv"
)

// LM scores a single field with a Jelinek-Mercer smoothed unigram model.
type LM struct {
	*base
	est *fieldEstimator
}

func newLM(ctx context.Context, b *base) (*LM, error) {
	est, err := newFieldEstimator(ctx, b.session, b.params.Field, b.params.SmoothingParam, b.distinct, b.trace)
	if err != nil {
		return nil, err
	}
	return &LM{base: b, est: est}, nil
}

// Field returns the scored field.
func (s *LM) Field() string { return s.est.field }

func (s *LM) ScoreDocument(ctx context.Context, docID string) (float64, error) {
	done, err := s.acquire("scoring " + strconv.Quote(docID))
	if err != nil {
		return 0, err
	}
	defer done()

	h, err := s.session.ResolveHandle(ctx, docID)
	if err != nil {
		return 0, err
	}
	probs, err := s.est.termProbs(ctx, s.session, h, s.distinct)
	if err != nil {
		return 0, err
	}
	return s.logLikelihood(ctx, docID, probs), nil
}
