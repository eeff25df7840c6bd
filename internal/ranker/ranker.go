// Package ranker scores a candidate set for one query with a language-model
// scorer and returns it ordered by score.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ambegh/Living-labs/internal/analysis"
	"github.com/ambegh/Living-labs/internal/scorer"
	"github.com/ambegh/Living-labs/internal/stats"
	apperrors "github.com/ambegh/Living-labs/pkg/errors"
	"github.com/ambegh/Living-labs/pkg/metrics"
	"github.com/ambegh/Living-labs/pkg/resilience"
	"github.com/ambegh/Living-labs/pkg/tracing"
)

type ScoredDoc struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Request describes one ranking run. Empty Candidates ranks every document
// the provider can list. Empty Model uses the ranker's default.
type Request struct {
	QueryID    string   `json:"query_id,omitempty"`
	Query      string   `json:"query"`
	Model      string   `json:"model,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// DocScore is the outcome of scoring one document outside a ranking run.
type DocScore struct {
	DocID string
	Model scorer.Model
	Terms []string
	Score float64
}

type Result struct {
	QueryID    string        `json:"query_id,omitempty"`
	Query      string        `json:"query"`
	Model      string        `json:"model"`
	Terms      []string      `json:"terms"`
	Candidates int           `json:"candidates"`
	Results    []ScoredDoc   `json:"results"`
	Took       time.Duration `json:"took_ns"`
}

// Observer is notified after every successful ranking run.
type Observer interface {
	ObserveRank(ctx context.Context, res *Result)
}

type Options struct {
	Workers      int
	BatchTimeout time.Duration
	DefaultLimit int
	MaxResults   int
	Metrics      *metrics.Metrics
	Observer     Observer
}

type Ranker struct {
	provider stats.Provider
	analyzer analysis.Analyzer
	model    scorer.Model
	params   scorer.Params
	opts     Options
	logger   *slog.Logger
}

func New(provider stats.Provider, analyzer analysis.Analyzer, model scorer.Model, params scorer.Params, opts Options) *Ranker {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 1000
	}
	return &Ranker{
		provider: provider,
		analyzer: analyzer,
		model:    model,
		params:   params,
		opts:     opts,
		logger:   slog.Default().With("component", "ranker"),
	}
}

func (r *Ranker) resolveModel(name string) (scorer.Model, error) {
	if name == "" {
		return r.model, nil
	}
	return scorer.ParseModel(name)
}

func (r *Ranker) limit(requested int) int {
	if requested <= 0 {
		requested = r.opts.DefaultLimit
	}
	if requested > r.opts.MaxResults {
		requested = r.opts.MaxResults
	}
	return requested
}

func (r *Ranker) candidates(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		lister, ok := r.provider.(stats.Lister)
		if !ok {
			return nil, apperrors.New(apperrors.ErrInvalidInput, "no candidates given and the statistics provider cannot list documents")
		}
		ids, err := lister.DocumentIDs(ctx)
		if errors.Is(err, stats.ErrListingUnsupported) {
			return nil, apperrors.New(apperrors.ErrInvalidInput, "no candidates given and the statistics provider cannot list documents")
		}
		return ids, err
	}
	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Rank scores every candidate concurrently and returns the top results,
// highest score first with ties broken by document ID. A provider failure
// aborts the run.
func (r *Ranker) Rank(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	model, err := r.resolveModel(req.Model)
	if err != nil {
		r.countError("config")
		return nil, err
	}
	candidates, err := r.candidates(ctx, req.Candidates)
	if err != nil {
		return nil, fmt.Errorf("collecting candidates: %w", err)
	}

	_, openSpan := tracing.StartChild(ctx, "ranker.open_scorer")
	s, err := scorer.NewModel(ctx, model, r.provider, r.analyzer, req.Query, r.params)
	openSpan.End()
	if err != nil {
		r.countError(errorReason(err))
		return nil, err
	}
	defer s.Close()

	_, scoreSpan := tracing.StartChild(ctx, "ranker.score")
	scoreSpan.SetAttr("candidates", len(candidates))
	docs := make([]ScoredDoc, len(candidates))
	var scored atomic.Int64
	err = resilience.WithTimeout(ctx, r.opts.BatchTimeout, "ranking", func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Workers)
		for i, docID := range candidates {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				score, err := s.ScoreDocument(gctx, docID)
				if err != nil {
					return fmt.Errorf("scoring %q: %w", docID, err)
				}
				docs[i] = ScoredDoc{DocID: docID, Score: score}
				scored.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return ctx.Err()
	})
	scoreSpan.End()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && scored.Load() != int64(len(candidates)) {
		err = fmt.Errorf("ranking: scored %d of %d candidates", scored.Load(), len(candidates))
	}
	if err != nil {
		r.countError(errorReason(err))
		r.logger.ErrorContext(ctx, "ranking failed", "query_id", req.QueryID, "model", model, "error", err)
		return nil, err
	}

	Sort(docs)
	if n := r.limit(req.Limit); len(docs) > n {
		docs = docs[:n]
	}

	res := &Result{
		QueryID:    req.QueryID,
		Query:      req.Query,
		Model:      model.String(),
		Terms:      s.Terms(),
		Candidates: len(candidates),
		Results:    docs,
		Took:       time.Since(start),
	}
	if m := r.opts.Metrics; m != nil {
		m.DocumentsScored.WithLabelValues(res.Model).Add(float64(len(candidates)))
		m.RankLatency.WithLabelValues(res.Model).Observe(res.Took.Seconds())
		m.RankCandidates.Observe(float64(len(candidates)))
	}
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveRank(ctx, res)
	}
	r.logger.InfoContext(ctx, "query ranked",
		"query_id", req.QueryID, "model", res.Model, "terms", len(res.Terms),
		"candidates", len(candidates), "returned", len(docs), "took", res.Took)
	return res, nil
}

// Score returns the score of a single document under the resolved model.
func (r *Ranker) Score(ctx context.Context, modelName, query, docID string) (*DocScore, error) {
	model, err := r.resolveModel(modelName)
	if err != nil {
		r.countError("config")
		return nil, err
	}
	s, err := scorer.NewModel(ctx, model, r.provider, r.analyzer, query, r.params)
	if err != nil {
		r.countError(errorReason(err))
		return nil, err
	}
	defer s.Close()
	score, err := s.ScoreDocument(ctx, docID)
	if err != nil {
		r.countError(errorReason(err))
		return nil, err
	}
	if m := r.opts.Metrics; m != nil {
		m.DocumentsScored.WithLabelValues(model.String()).Inc()
	}
	return &DocScore{DocID: docID, Model: model, Terms: s.Terms(), Score: score}, nil
}

// Sort orders docs by descending score, then ascending document ID, and
// assigns 1-based ranks.
func Sort(docs []ScoredDoc) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].DocID < docs[j].DocID
	})
	for i := range docs {
		docs[i].Rank = i + 1
	}
}

func (r *Ranker) countError(reason string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.ScorerErrors.WithLabelValues(reason).Inc()
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUnknownModel),
		errors.Is(err, apperrors.ErrUnsupportedSmoothing),
		errors.Is(err, apperrors.ErrMissingParameter):
		return "config"
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "provider"
	}
}
