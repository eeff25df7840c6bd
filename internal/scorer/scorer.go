// Package scorer ranks documents for a query with language-modeling
// retrieval models over a stats.Provider:
//
//   - LM: a single-field unigram model with Jelinek-Mercer smoothing.
//   - MLM: a mixture of per-field LM estimates, each weighted by how likely
//     the query term is to come from that field's collection.
//
// Scores are natural-log query likelihoods. Terms whose probability is zero
// are skipped rather than sending the score to -Inf, so a document matching
// nothing scores 0, the same as an empty query.
//
// A scorer is built once per (query, parameters) pair, holds a statistics
// session until Close, and may score documents from several goroutines.
package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/ambegh/Living-labs/internal/analysis"
	"github.com/ambegh/Living-labs/internal/stats"
	apperrors "github.com/ambegh/Living-labs/pkg/errors"
)

// Model selects a retrieval model.
type Model int

const (
	ModelLM Model = iota + 1
	ModelMLM
)

func (m Model) String() string {
	switch m {
	case ModelLM:
		return "lm"
	case ModelMLM:
		return "mlm"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// ParseModel maps a model name ("lm" or "mlm") to a Model.
func ParseModel(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "lm":
		return ModelLM, nil
	case "mlm":
		return ModelMLM, nil
	}
	return 0, apperrors.Newf(apperrors.ErrUnknownModel, "model %q is not supported (want lm or mlm)", name)
}

// Scorer scores documents against the query it was built for.
type Scorer interface {
	// ScoreDocument returns the log query likelihood of docID. Unknown
	// documents are scored from collection statistics alone.
	ScoreDocument(ctx context.Context, docID string) (float64, error)
	// Terms returns the analyzed query terms, duplicates included.
	Terms() []string
	Model() Model
	// Close releases the statistics session. It is idempotent.
	Close() error
}

// New builds a scorer for rawQuery. Configuration errors are reported
// before any statistics session is opened. Provider failures are returned
// unchanged.
func New(ctx context.Context, model string, provider stats.Provider, analyzer analysis.Analyzer, rawQuery string, params Params) (Scorer, error) {
	m, err := ParseModel(model)
	if err != nil {
		return nil, err
	}
	return NewModel(ctx, m, provider, analyzer, rawQuery, params)
}

// NewModel is New for an already parsed Model.
func NewModel(ctx context.Context, m Model, provider stats.Provider, analyzer analysis.Analyzer, rawQuery string, params Params) (Scorer, error) {
	params = params.normalized()
	if err := validate(m, params); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, apperrors.New(apperrors.ErrMissingParameter, "statistics provider is required")
	}
	if analyzer == nil {
		return nil, apperrors.New(apperrors.ErrMissingParameter, "query analyzer is required")
	}

	session, err := provider.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	b := newBase(m, session, analyzer.Analyze(rawQuery), params)

	var s Scorer
	switch m {
	case ModelLM:
		s, err = newLM(ctx, b)
	case ModelMLM:
		s, err = newMLM(ctx, b)
	}
	if err != nil {
		b.release()
		return nil, err
	}
	b.ready()
	return s, nil
}

func validate(m Model, p Params) error {
	switch m {
	case ModelLM, ModelMLM:
	default:
		return apperrors.Newf(apperrors.ErrUnknownModel, "model %s is not supported", m)
	}
	if p.SmoothingMethod != DefaultSmoothingMethod {
		return apperrors.Newf(apperrors.ErrUnsupportedSmoothing,
			"smoothing method %q is not supported, only %q", p.SmoothingMethod, DefaultSmoothingMethod)
	}
	if m == ModelMLM && len(p.FieldWeights) == 0 {
		return apperrors.New(apperrors.ErrMissingParameter, "mlm requires field_weights")
	}
	return nil
}

type state int

const (
	stateConstructed state = iota
	stateReady
	stateClosed
)

// base owns what LM and MLM share: the session, the analyzed query, and the
// lifecycle. Scoring holds mu for reading so Close waits for in-flight calls.
type base struct {
	model    Model
	session  stats.Session
	terms    []string
	distinct []string
	params   Params
	trace    *slog.Logger

	mu    sync.RWMutex
	state state
	once  sync.Once
	err   error
}

func newBase(m Model, session stats.Session, terms []string, params Params) *base {
	seen := make(map[string]struct{}, len(terms))
	distinct := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			distinct = append(distinct, t)
		}
	}
	return &base{
		model:    m,
		session:  session,
		terms:    append([]string(nil), terms...),
		distinct: distinct,
		params:   params,
		trace:    params.Trace.With("model", m.String()),
		state:    stateConstructed,
	}
}

func (b *base) ready() {
	b.mu.Lock()
	b.state = stateReady
	b.mu.Unlock()
}

// acquire takes the read lock for one call; op names the call in the
// use-after-close error. The returned release must be called when acquire
// succeeds.
func (b *base) acquire(op string) (func(), error) {
	b.mu.RLock()
	if b.state != stateReady {
		b.mu.RUnlock()
		return nil, apperrors.Newf(apperrors.ErrUseAfterClose, "%s with a closed %s scorer", op, b.model)
	}
	return b.mu.RUnlock, nil
}

func (b *base) release() error {
	b.once.Do(func() {
		b.err = b.session.Close()
	})
	return b.err
}

func (b *base) Close() error {
	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()
	return b.release()
}

func (b *base) Terms() []string {
	return append([]string(nil), b.terms...)
}

func (b *base) Model() Model { return b.model }

// logLikelihood sums log p(t) over every query term occurrence, skipping
// terms with p(t) == 0.
func (b *base) logLikelihood(ctx context.Context, docID string, probs map[string]float64) float64 {
	var score float64
	for _, t := range b.terms {
		p := probs[t]
		if p == 0 {
			continue
		}
		score += math.Log(p)
	}
	if b.trace.Enabled(ctx, slog.LevelDebug) {
		b.trace.DebugContext(ctx, "document scored", "doc_id", docID, "score", score)
	}
	return score
}
