package scorer

import (
	"context"
	"log/slog"

	"github.com/ambegh/Living-labs/internal/stats"
)

// fieldEstimator produces Jelinek-Mercer smoothed term probabilities for a
// single field:
//
//	p(t) = (1-λ)·n(t,d_f)/|d_f| + λ·n(t,C_f)/|C_f|
//
// Collection probabilities of the query terms are fixed for the scorer's
// lifetime and computed once at construction.
type fieldEstimator struct {
	field    string
	lambda   float64
	collLen  int64
	collProb map[string]float64
	trace    *slog.Logger
}

func ratio(n, length int64) float64 {
	if length == 0 {
		return 0
	}
	return float64(n) / float64(length)
}

func newFieldEstimator(ctx context.Context, session stats.Session, field string, lambda float64, terms []string, trace *slog.Logger) (*fieldEstimator, error) {
	collLen, err := session.CollectionFieldLength(ctx, field)
	if err != nil {
		return nil, err
	}
	e := &fieldEstimator{
		field:    field,
		lambda:   lambda,
		collLen:  collLen,
		collProb: make(map[string]float64, len(terms)),
		trace:    trace.With("field", field),
	}
	for _, t := range terms {
		p, err := e.collectionProb(ctx, session, t)
		if err != nil {
			return nil, err
		}
		e.collProb[t] = p
	}
	return e, nil
}

// collectionProb is p(t|C_f); zero when the field is empty.
func (e *fieldEstimator) collectionProb(ctx context.Context, session stats.Session, term string) (float64, error) {
	if p, ok := e.collProb[term]; ok {
		return p, nil
	}
	if e.collLen == 0 {
		return 0, nil
	}
	n, err := session.CollectionTermCount(ctx, term, e.field)
	if err != nil {
		return 0, err
	}
	return ratio(n, e.collLen), nil
}

// termProbs returns p(t) for each distinct term against document h. The
// returned map is owned by the caller.
func (e *fieldEstimator) termProbs(ctx context.Context, session stats.Session, h stats.Handle, terms []string) (map[string]float64, error) {
	var docLen int64
	if h != stats.Absent {
		var err error
		if docLen, err = session.DocumentFieldLength(ctx, h, e.field); err != nil {
			return nil, err
		}
	}
	tracing := e.trace.Enabled(ctx, slog.LevelDebug)
	probs := make(map[string]float64, len(terms))
	for _, t := range terms {
		var n int64
		if docLen > 0 {
			var err error
			if n, err = session.DocumentFieldTermCount(ctx, h, e.field, t); err != nil {
				return nil, err
			}
		}
		pDoc := ratio(n, docLen)
		pColl := e.collProb[t]
		probs[t] = (1-e.lambda)*pDoc + e.lambda*pColl
		if tracing {
			e.trace.DebugContext(ctx, "term probability",
				"term", t, "doc_tf", n, "doc_len", docLen,
				"coll_tf_prob", pColl, "coll_len", e.collLen, "p", probs[t])
		}
	}
	return probs, nil
}
