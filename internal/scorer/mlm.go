package scorer

import (
	"context"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// MLM mixes per-field LM estimates. The weight of field f for term t is
//
//	w(t,f) = p(t|C_f) / Σ_f' p(t|C_f')
//
// and zero for every field when t occurs in none of them.
type MLM struct {
	*base
	fields     []string
	estimators []*fieldEstimator
	// weights[t][i] is w(t, fields[i]).
	weights map[string][]float64
}

func newMLM(ctx context.Context, b *base) (*MLM, error) {
	fields := make([]string, 0, len(b.params.FieldWeights))
	for f := range b.params.FieldWeights {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	s := &MLM{
		base:       b,
		fields:     fields,
		estimators: make([]*fieldEstimator, len(fields)),
		weights:    make(map[string][]float64, len(b.distinct)),
	}
	for i, f := range fields {
		est, err := newFieldEstimator(ctx, b.session, f, b.params.SmoothingParam, b.distinct, b.trace)
		if err != nil {
			return nil, err
		}
		s.estimators[i] = est
	}
	for _, t := range b.distinct {
		w, err := s.mapping(ctx, t)
		if err != nil {
			return nil, err
		}
		s.weights[t] = w
	}
	return s, nil
}

func (s *MLM) mapping(ctx context.Context, term string) ([]float64, error) {
	pColl := make([]float64, len(s.estimators))
	for i, est := range s.estimators {
		p, err := est.collectionProb(ctx, s.session, term)
		if err != nil {
			return nil, err
		}
		pColl[i] = p
	}
	sum := floats.Sum(pColl)
	if sum == 0 {
		return make([]float64, len(pColl)), nil
	}
	for i := range pColl {
		pColl[i] /= sum
	}
	return pColl, nil
}

// Fields returns the mixed fields in scoring order.
func (s *MLM) Fields() []string {
	return append([]string(nil), s.fields...)
}

// FieldMapping returns w(term, f) for every mixed field. It works for any
// term, not only query terms, and leaves the scorer unchanged.
func (s *MLM) FieldMapping(ctx context.Context, term string) (map[string]float64, error) {
	done, err := s.acquire("field mapping for " + strconv.Quote(term))
	if err != nil {
		return nil, err
	}
	defer done()

	w, ok := s.weights[term]
	if !ok {
		if w, err = s.mapping(ctx, term); err != nil {
			return nil, err
		}
	}
	out := make(map[string]float64, len(s.fields))
	for i, f := range s.fields {
		out[f] = w[i]
	}
	return out, nil
}

func (s *MLM) ScoreDocument(ctx context.Context, docID string) (float64, error) {
	done, err := s.acquire("scoring " + strconv.Quote(docID))
	if err != nil {
		return 0, err
	}
	defer done()

	h, err := s.session.ResolveHandle(ctx, docID)
	if err != nil {
		return 0, err
	}
	perField := make([]map[string]float64, len(s.estimators))
	for i, est := range s.estimators {
		if perField[i], err = est.termProbs(ctx, s.session, h, s.distinct); err != nil {
			return 0, err
		}
	}
	mixed := make(map[string]float64, len(s.distinct))
	for _, t := range s.distinct {
		w := s.weights[t]
		var p float64
		for i := range s.fields {
			p += w[i] * perField[i][t]
		}
		mixed[t] = p
	}
	return s.logLikelihood(ctx, docID, mixed), nil
}

var (
	_ Scorer = (*LM)(nil)
	_ Scorer = (*MLM)(nil)
)
