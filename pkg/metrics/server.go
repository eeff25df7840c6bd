package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ServiceInfo describes the running ranker on the admin port.
type ServiceInfo struct {
	Model     string    `json:"model"`
	Smoothing string    `json:"smoothing"`
	Backend   string    `json:"backend"`
	Analyzer  string    `json:"analyzer"`
	StartedAt time.Time `json:"started_at"`
}

// NewAdminMux mounts /metrics, /info and, when ready is non-nil,
// /health/ready. The root page links to whatever is mounted.
func NewAdminMux(info ServiceInfo, ready http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			ServiceInfo
			Uptime string `json:"uptime"`
		}{info, time.Since(info.StartedAt).Round(time.Second).String()})
	})
	links := `<a href="/metrics">/metrics</a> <a href="/info">/info</a>`
	if ready != nil {
		mux.Handle("GET /health/ready", ready)
		links += ` <a href="/health/ready">/health/ready</a>`
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><h1>Ranker admin</h1><p>%s model, %s statistics</p><p>%s</p></body></html>`,
			info.Model, info.Backend, links)
	})
	return mux
}

// StartServer serves handler on the admin port and returns the shutdown func.
func StartServer(port int, handler http.Handler) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("admin server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()

	return server.Shutdown
}
