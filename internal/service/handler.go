// Package service exposes the ranker over HTTP.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ambegh/Living-labs/internal/ranker"
	apperrors "github.com/ambegh/Living-labs/pkg/errors"
	"github.com/ambegh/Living-labs/pkg/logger"
	"github.com/ambegh/Living-labs/pkg/tracing"
)

// Ranker is the part of *ranker.Ranker the handler calls.
type Ranker interface {
	Rank(ctx context.Context, req ranker.Request) (*ranker.Result, error)
	Score(ctx context.Context, model, query, docID string) (*ranker.DocScore, error)
}

type Handler struct {
	ranker Ranker
	logger *slog.Logger
}

func New(r Ranker) *Handler {
	return &Handler{
		ranker: r,
		logger: slog.Default().With("component", "rank-handler"),
	}
}

type ScoreResponse struct {
	DocID string   `json:"doc_id"`
	Model string   `json:"model"`
	Query string   `json:"query"`
	Terms []string `json:"terms"`
	Score float64  `json:"score"`
}

// Register mounts the ranking routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/rank", h.Rank)
	mux.HandleFunc("GET /api/v1/score", h.Score)
}

// Rank handles GET /api/v1/rank?q=&docs=a,b&model=&limit=&qid=.
func (h *Handler) Rank(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ranker.Request{
		QueryID:    q.Get("qid"),
		Query:      q.Get("q"),
		Model:      q.Get("model"),
		Candidates: splitList(q.Get("docs")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		req.Limit = limit
	}

	ctx, span := tracing.Start(r.Context(), "http.rank", logger.RequestID(r.Context()))
	res, err := h.ranker.Rank(ctx, req)
	span.End()
	span.Log(ctx, logger.FromContext(ctx))
	if err != nil {
		h.fail(w, r, "ranking failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Score handles GET /api/v1/score?q=&doc=&model=.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docID := q.Get("doc")
	if docID == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'doc' is required")
		return
	}
	ctx, span := tracing.Start(r.Context(), "http.score", logger.RequestID(r.Context()))
	got, err := h.ranker.Score(ctx, q.Get("model"), q.Get("q"), docID)
	span.End()
	span.Log(ctx, logger.FromContext(ctx))
	if err != nil {
		h.fail(w, r, "scoring failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, ScoreResponse{
		DocID: got.DocID,
		Model: got.Model.String(),
		Query: q.Get("q"),
		Terms: got.Terms,
		Score: got.Score,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(msg, "path", r.URL.Path, "error", err)
	} else {
		log.Warn(msg, "path", r.URL.Path, "error", err)
	}
	message := err.Error()
	var appErr *apperrors.Error
	if status == http.StatusInternalServerError && !errors.As(err, &appErr) {
		message = msg
	}
	h.writeError(w, status, message)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
