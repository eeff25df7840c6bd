// Package analytics turns ranking runs into events, ships them over Kafka
// and aggregates them into per-model statistics.
package analytics

import (
	"time"

	"github.com/ambegh/Living-labs/internal/ranker"
)

type EventType string

const EventRank EventType = "rank"

// RankEvent summarises one ranking run. Empty is set when the query had no
// terms left after analysis, in which case every candidate scored 0.
type RankEvent struct {
	Type       EventType `json:"type"`
	QueryID    string    `json:"query_id,omitempty"`
	Query      string    `json:"query"`
	Model      string    `json:"model"`
	Terms      []string  `json:"terms"`
	Empty      bool      `json:"empty"`
	Candidates int       `json:"candidates"`
	Returned   int       `json:"returned"`
	TopDocID   string    `json:"top_doc_id,omitempty"`
	TopScore   float64   `json:"top_score"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
}

// NewRankEvent builds the event for res.
func NewRankEvent(res *ranker.Result, requestID string) RankEvent {
	e := RankEvent{
		Type:       EventRank,
		QueryID:    res.QueryID,
		Query:      res.Query,
		Model:      res.Model,
		Terms:      res.Terms,
		Empty:      len(res.Terms) == 0,
		Candidates: res.Candidates,
		Returned:   len(res.Results),
		LatencyMs:  res.Took.Milliseconds(),
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
	}
	if len(res.Results) > 0 {
		e.TopDocID = res.Results[0].DocID
		e.TopScore = res.Results[0].Score
	}
	return e
}

// key partitions events by query so the events of one query stay ordered.
func (e RankEvent) key() string {
	if e.QueryID != "" {
		return e.QueryID
	}
	return e.Query
}
