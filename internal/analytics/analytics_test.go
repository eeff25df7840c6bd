package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ambegh/Living-labs/internal/ranker"
	"github.com/ambegh/Living-labs/pkg/config"
	"github.com/ambegh/Living-labs/pkg/kafka"
	"github.com/ambegh/Living-labs/pkg/logger"
	"github.com/ambegh/Living-labs/pkg/postgres"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
	sent    chan int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan int, 16)}
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	p.sent <- len(events)
	return nil
}

func (p *fakePublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func sampleResult(queryID, query, model string, terms []string, took time.Duration) *ranker.Result {
	return &ranker.Result{
		QueryID:    queryID,
		Query:      query,
		Model:      model,
		Terms:      terms,
		Candidates: 3,
		Results: []ranker.ScoredDoc{
			{DocID: "d1", Score: -1.2, Rank: 1},
			{DocID: "d2", Score: -2.4, Rank: 2},
		},
		Took: took,
	}
}

func TestNewRankEvent(t *testing.T) {
	ctx := logger.WithRequestID(context.Background(), "req-1")
	c := NewCollector(newFakePublisher(), 10, time.Hour)
	c.ObserveRank(ctx, sampleResult("q1", "lego castle", "mlm", []string{"lego", "castl"}, 15*time.Millisecond))

	ev := c.buffer[0].Value.(RankEvent)
	if c.buffer[0].Key != "q1" {
		t.Errorf("key = %q, want query id", c.buffer[0].Key)
	}
	if ev.TopDocID != "d1" || ev.Returned != 2 || ev.LatencyMs != 15 || ev.RequestID != "req-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Empty {
		t.Error("query with terms flagged as empty")
	}
}

func TestCollectorFlushesFullBatch(t *testing.T) {
	pub := newFakePublisher()
	c := NewCollector(pub, 2, time.Hour)
	c.Start(context.Background())
	defer c.Close()

	c.Track(RankEvent{Type: EventRank, Query: "a"})
	c.Track(RankEvent{Type: EventRank, Query: "b"})

	select {
	case n := <-pub.sent:
		if n != 2 {
			t.Errorf("batch size = %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("full batch was not flushed")
	}
}

func TestCollectorCloseFlushesRemainder(t *testing.T) {
	pub := newFakePublisher()
	c := NewCollector(pub, 100, time.Hour)
	c.Start(context.Background())

	c.Track(RankEvent{Type: EventRank, Query: "a"})
	c.Close()
	c.Close()

	if pub.total() != 1 {
		t.Errorf("published = %d, want 1", pub.total())
	}
	if c.BufferLen() != 0 {
		t.Errorf("buffer = %d, want 0", c.BufferLen())
	}
}

func TestCollectorRequeuesOnFailure(t *testing.T) {
	pub := newFakePublisher()
	pub.err = errors.New("broker unavailable")
	c := NewCollector(pub, 2, time.Hour)

	for i := 0; i < 3; i++ {
		c.buffer = append(c.buffer, kafka.Event{Key: "q", Value: RankEvent{}})
	}
	c.flush(context.Background())
	if c.BufferLen() != 3 {
		t.Errorf("buffer = %d, want 3 after failed flush", c.BufferLen())
	}

	for i := 0; i < 5; i++ {
		c.buffer = append(c.buffer, kafka.Event{Key: "q", Value: RankEvent{}})
	}
	c.flush(context.Background())
	if c.BufferLen() != 6 {
		t.Errorf("buffer = %d, want 6 (three batches)", c.BufferLen())
	}
}

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator()
	ctx := context.Background()
	agg.ObserveRank(ctx, sampleResult("q1", "lego", "lm", []string{"lego"}, 10*time.Millisecond))
	agg.ObserveRank(ctx, sampleResult("q2", "lego", "mlm", []string{"lego"}, 30*time.Millisecond))
	agg.ObserveRank(ctx, sampleResult("q3", "the", "lm", nil, 20*time.Millisecond))

	stats := agg.Stats()
	if stats.TotalRanked != 3 || stats.TotalCandidates != 9 {
		t.Errorf("totals = %d/%d", stats.TotalRanked, stats.TotalCandidates)
	}
	if stats.EmptyQueryCount != 1 || len(stats.EmptyQueries) != 1 || stats.EmptyQueries[0].Query != "the" {
		t.Errorf("empty queries = %d %v", stats.EmptyQueryCount, stats.EmptyQueries)
	}
	if stats.AvgLatencyMs != 20 || stats.P50LatencyMs != 20 {
		t.Errorf("latency avg=%v p50=%d", stats.AvgLatencyMs, stats.P50LatencyMs)
	}
	lm := stats.Models["lm"]
	if lm.Runs != 2 || lm.AvgLatencyMs != 15 {
		t.Errorf("lm stats = %+v", lm)
	}
	if stats.TopQueries[0].Query != "lego" || stats.TopQueries[0].Count != 2 {
		t.Errorf("top queries = %v", stats.TopQueries)
	}
}

func TestHandleEvent(t *testing.T) {
	agg := NewAggregator()
	handle := HandleEvent(agg)

	value, _ := json.Marshal(RankEvent{Type: EventRank, Query: "lego", Model: "lm", Candidates: 4})
	if err := handle(context.Background(), []byte("q1"), value); err != nil {
		t.Fatal(err)
	}
	if err := handle(context.Background(), []byte("bad"), []byte("{not json")); err != nil {
		t.Errorf("undecodable message should be acknowledged, got %v", err)
	}
	if err := handle(context.Background(), nil, []byte(`{"type":"search"}`)); err != nil {
		t.Fatal(err)
	}
	if got := agg.Stats().TotalRanked; got != 1 {
		t.Errorf("total ranked = %d, want 1", got)
	}
}

func TestHandlerStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(RankEvent{Type: EventRank, Query: "lego", Model: "lm"})
	h := NewHandler(agg)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got AggregatedStats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.TotalRanked != 1 {
		t.Errorf("total ranked = %d", got.TotalRanked)
	}

	rec = httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodPost, "/api/v1/analytics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("TEST_POSTGRES_HOST not set; skipping analytics store test")
	}
	cfg := config.Default().Postgres
	cfg.Host = host
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := postgres.New(ctx, cfg)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer client.Close()

	store := NewStore(client)
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	agg := NewAggregator()
	agg.Record(RankEvent{Type: EventRank, Query: "lego", Model: "lm", LatencyMs: 7})
	if err := store.SaveSnapshot(ctx, agg.Stats()); err != nil {
		t.Fatal(err)
	}
	latest, err := store.LatestSnapshot(ctx)
	if err != nil || latest == nil {
		t.Fatalf("LatestSnapshot = %v, %v", latest, err)
	}
	if latest.Models["lm"].Runs < 1 {
		t.Errorf("snapshot = %+v", latest)
	}
}
