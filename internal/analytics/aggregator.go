package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ambegh/Living-labs/internal/ranker"
	"github.com/ambegh/Living-labs/pkg/kafka"
	"github.com/ambegh/Living-labs/pkg/logger"
)

type AggregatedStats struct {
	TotalRanked      int64                 `json:"total_ranked"`
	TotalCandidates  int64                 `json:"total_candidates"`
	EmptyQueryCount  int64                 `json:"empty_query_count"`
	AvgLatencyMs     float64               `json:"avg_latency_ms"`
	P50LatencyMs     int64                 `json:"p50_latency_ms"`
	P95LatencyMs     int64                 `json:"p95_latency_ms"`
	P99LatencyMs     int64                 `json:"p99_latency_ms"`
	Models           map[string]ModelStats `json:"models"`
	TopQueries       []QueryCount          `json:"top_queries"`
	EmptyQueries     []QueryCount          `json:"empty_queries"`
	QueriesPerMinute float64               `json:"queries_per_minute"`
	CapturedAt       time.Time             `json:"captured_at"`
}

type ModelStats struct {
	Runs         int64   `json:"runs"`
	Candidates   int64   `json:"candidates"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

type modelTotals struct {
	runs, candidates, latencyMs int64
}

// maxLatencies bounds the latency sample kept for percentiles.
const maxLatencies = 10000

type Aggregator struct {
	mu           sync.RWMutex
	total        int64
	candidates   int64
	empty        int64
	latencies    []int64
	next         int
	models       map[string]*modelTotals
	queryCounts  map[string]int64
	emptyQueries map[string]int64
	startTime    time.Time
	logger       *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:    make([]int64, 0, 1024),
		models:       make(map[string]*modelTotals),
		queryCounts:  make(map[string]int64),
		emptyQueries: make(map[string]int64),
		startTime:    time.Now(),
		logger:       slog.Default().With("component", "analytics-aggregator"),
	}
}

// ObserveRank records a run in process, for deployments without Kafka.
func (a *Aggregator) ObserveRank(ctx context.Context, res *ranker.Result) {
	a.Record(NewRankEvent(res, logger.RequestID(ctx)))
}

// HandleEvent returns a Kafka handler feeding rank events into agg.
// Undecodable messages are logged and acknowledged.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		event, err := kafka.DecodeJSON[RankEvent](value)
		if err != nil || event.Type != EventRank {
			agg.logger.Error("dropping undecodable analytics event", "key", string(key), "error", err)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

func (a *Aggregator) Record(event RankEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.candidates += int64(event.Candidates)
	if len(a.latencies) < maxLatencies {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.next] = event.LatencyMs
		a.next = (a.next + 1) % maxLatencies
	}
	m, ok := a.models[event.Model]
	if !ok {
		m = &modelTotals{}
		a.models[event.Model] = m
	}
	m.runs++
	m.candidates += int64(event.Candidates)
	m.latencyMs += event.LatencyMs

	a.queryCounts[event.Query]++
	if event.Empty {
		a.empty++
		a.emptyQueries[event.Query]++
	}
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalRanked:     a.total,
		TotalCandidates: a.candidates,
		EmptyQueryCount: a.empty,
		Models:          make(map[string]ModelStats, len(a.models)),
		CapturedAt:      time.Now().UTC(),
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	for name, m := range a.models {
		ms := ModelStats{Runs: m.runs, Candidates: m.candidates}
		if m.runs > 0 {
			ms.AvgLatencyMs = float64(m.latencyMs) / float64(m.runs)
		}
		stats.Models[name] = ms
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.EmptyQueries = topN(a.emptyQueries, 10)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalRanked) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN returns the n most frequent queries, ties by query text.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
