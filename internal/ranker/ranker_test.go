package ranker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ambegh/Living-labs/internal/analysis"
	"github.com/ambegh/Living-labs/internal/scorer"
	"github.com/ambegh/Living-labs/internal/stats"
	apperrors "github.com/ambegh/Living-labs/pkg/errors"
	"github.com/ambegh/Living-labs/pkg/metrics"
)

func testIndex(t *testing.T) *stats.MemoryIndex {
	t.Helper()
	idx := stats.NewMemoryIndex(analysis.Whitespace{})
	docs := []struct{ id, text string }{
		{"d1", "lego castle lego"},
		{"d2", "lego doll"},
		{"d3", "doll house"},
		{"d4", "lego doll"},
	}
	for _, d := range docs {
		if err := idx.AddDocument(d.id, map[string]string{stats.ContentsField: d.text}); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

type recordingObserver struct{ results []*Result }

func (o *recordingObserver) ObserveRank(_ context.Context, res *Result) {
	o.results = append(o.results, res)
}

func TestRankOrdersByScoreThenDocID(t *testing.T) {
	obs := &recordingObserver{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	r := New(testIndex(t), analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{
		Workers:  2,
		Metrics:  m,
		Observer: obs,
	})

	res, err := r.Rank(context.Background(), Request{QueryID: "q1", Query: "lego"})
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if res.Candidates != 4 {
		t.Errorf("candidates = %d, want 4 (all listed documents)", res.Candidates)
	}
	got := make([]string, len(res.Results))
	for i, d := range res.Results {
		got[i] = d.DocID
		if d.Rank != i+1 {
			t.Errorf("rank of %s = %d, want %d", d.DocID, d.Rank, i+1)
		}
	}
	// d2 and d4 tie and are ordered by id; d3 has no lego.
	want := "d1,d2,d4,d3"
	if strings.Join(got, ",") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
	if res.Results[1].Score != res.Results[2].Score {
		t.Errorf("expected tie between d2 and d4")
	}
	if len(obs.results) != 1 || obs.results[0].QueryID != "q1" {
		t.Errorf("observer got %v", obs.results)
	}
	if v := testutil.ToFloat64(m.DocumentsScored.WithLabelValues("lm")); v != 4 {
		t.Errorf("documents scored metric = %v, want 4", v)
	}
}

func TestRankCandidatesAndLimit(t *testing.T) {
	r := New(testIndex(t), analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{MaxResults: 2})

	res, err := r.Rank(context.Background(), Request{
		Query:      "doll house",
		Candidates: []string{"d3", "d2", "d3", "", "unknown"},
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if res.Candidates != 3 {
		t.Errorf("candidates = %d, want 3 after de-duplication", res.Candidates)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %d, want 2 (MaxResults)", len(res.Results))
	}
	if res.Results[0].DocID != "d3" {
		t.Errorf("top = %s, want d3", res.Results[0].DocID)
	}
}

func TestRankModelOverride(t *testing.T) {
	params := scorer.DefaultParams()
	params.FieldWeights = map[string]float64{stats.ContentsField: 1}
	r := New(testIndex(t), analysis.Whitespace{}, scorer.ModelLM, params, Options{})

	res, err := r.Rank(context.Background(), Request{Query: "lego", Model: "mlm"})
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if res.Model != "mlm" {
		t.Errorf("model = %s, want mlm", res.Model)
	}

	_, err = r.Rank(context.Background(), Request{Query: "lego", Model: "bm25"})
	if !errors.Is(err, apperrors.ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
}

type failingProvider struct {
	stats.Provider
	err error
}

func (p failingProvider) OpenSession(ctx context.Context) (stats.Session, error) {
	s, err := p.Provider.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return failingSession{Session: s, err: p.err}, nil
}

type failingSession struct {
	stats.Session
	err error
}

func (s failingSession) ResolveHandle(context.Context, string) (stats.Handle, error) {
	return stats.Absent, s.err
}

func TestRankPropagatesProviderError(t *testing.T) {
	errBackend := errors.New("statistics backend down")
	idx := testIndex(t)
	r := New(failingProvider{Provider: idx, err: errBackend}, analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{})

	_, err := r.Rank(context.Background(), Request{Query: "lego", Candidates: []string{"d1", "d2"}})
	if !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if idx.OpenSessions() != 0 {
		t.Errorf("open sessions = %d, want 0 after failure", idx.OpenSessions())
	}
}

type slowSession struct {
	stats.Session
}

func (s slowSession) ResolveHandle(ctx context.Context, docID string) (stats.Handle, error) {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return stats.Absent, ctx.Err()
	}
	return s.Session.ResolveHandle(ctx, docID)
}

type slowProvider struct{ stats.Provider }

func (p slowProvider) OpenSession(ctx context.Context) (stats.Session, error) {
	s, err := p.Provider.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return slowSession{Session: s}, nil
}

func TestRankBatchTimeout(t *testing.T) {
	r := New(slowProvider{testIndex(t)}, analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{
		BatchTimeout: 20 * time.Millisecond,
	})
	_, err := r.Rank(context.Background(), Request{Query: "lego", Candidates: []string{"d1"}})
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

type cancellingSession struct {
	stats.Session
	cancel context.CancelFunc
	once   *sync.Once
}

func (s cancellingSession) ResolveHandle(ctx context.Context, docID string) (stats.Handle, error) {
	s.once.Do(s.cancel)
	return s.Session.ResolveHandle(ctx, docID)
}

type cancellingProvider struct {
	stats.Provider
	cancel context.CancelFunc
}

func (p cancellingProvider) OpenSession(ctx context.Context) (stats.Session, error) {
	s, err := p.Provider.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return cancellingSession{Session: s, cancel: p.cancel, once: new(sync.Once)}, nil
}

func TestRankCancelledMidBatch(t *testing.T) {
	idx := testIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{}
	r := New(cancellingProvider{Provider: idx, cancel: cancel}, analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{
		Workers:  1,
		Observer: obs,
	})
	res, err := r.Rank(ctx, Request{Query: "lego", Candidates: []string{"d1", "d2", "d3", "d4", "d5"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil on cancellation", res.Results)
	}
	if len(obs.results) != 0 {
		t.Errorf("observer saw %d results, want 0", len(obs.results))
	}
	if idx.OpenSessions() != 0 {
		t.Errorf("open sessions = %d, want 0 after cancellation", idx.OpenSessions())
	}
}

type unlistable struct{ stats.Provider }

func TestRankWithoutCandidatesNeedsLister(t *testing.T) {
	r := New(unlistable{testIndex(t)}, analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{})
	_, err := r.Rank(context.Background(), Request{Query: "lego"})
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestScoreSingleDocument(t *testing.T) {
	r := New(testIndex(t), analysis.Whitespace{}, scorer.ModelLM, scorer.DefaultParams(), Options{})
	got, err := r.Score(context.Background(), "", "lego lego", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Score >= 0 {
		t.Errorf("score = %v, want negative log likelihood", got.Score)
	}
	if len(got.Terms) != 2 {
		t.Errorf("terms = %v", got.Terms)
	}
	if got.Model != scorer.ModelLM {
		t.Errorf("model = %v, want default %v", got.Model, scorer.ModelLM)
	}

	got, err = r.Score(context.Background(), "mlm", "lego", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != scorer.ModelMLM {
		t.Errorf("model = %v, want %v", got.Model, scorer.ModelMLM)
	}
}

func TestSortAssignsRanks(t *testing.T) {
	docs := []ScoredDoc{{DocID: "b", Score: -1}, {DocID: "a", Score: -1}, {DocID: "c", Score: 0}}
	Sort(docs)
	if docs[0].DocID != "c" || docs[1].DocID != "a" || docs[2].DocID != "b" {
		t.Errorf("order = %+v", docs)
	}
	if docs[2].Rank != 3 {
		t.Errorf("rank = %d, want 3", docs[2].Rank)
	}
}

func TestTRECRoundTrip(t *testing.T) {
	res := &Result{
		QueryID: "q7",
		Results: []ScoredDoc{{DocID: "d1", Score: -1.5, Rank: 1}, {DocID: "d2", Score: -2.5, Rank: 2}},
	}
	list := ToTREC(res, "lm-run")
	if list[1].Iteration != "Q0" || list[1].RunName != "lm-run" || list[1].Rank != 2 {
		t.Errorf("second line = %+v", list[1])
	}

	var buf bytes.Buffer
	if err := WriteRun(&buf, list); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
	cands, err := ReadCandidates(&buf)
	if err != nil {
		t.Fatalf("ReadCandidates: %v", err)
	}
	if got := cands["q7"]; len(got) != 2 || got[0] != "d1" || got[1] != "d2" {
		t.Errorf("candidates = %v", got)
	}
}

func BenchmarkRank(b *testing.B) {
	for _, n := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("docs_%d", n), func(b *testing.B) {
			idx := stats.NewMemoryIndex(analysis.Standard{})
			for i := 0; i < n; i++ {
				text := fmt.Sprintf("lego castle set %d dragon knight", i%53)
				if err := idx.AddDocument(fmt.Sprintf("p%d", i), map[string]string{stats.ContentsField: text}); err != nil {
					b.Fatal(err)
				}
			}
			r := New(idx, analysis.Standard{}, scorer.ModelLM, scorer.DefaultParams(), Options{Workers: 4})
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := r.Rank(ctx, Request{Query: "lego dragon castle", Limit: 10}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
