package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistryIsolated(t *testing.T) {
	first := NewWithRegistry(prometheus.NewRegistry())
	second := NewWithRegistry(prometheus.NewRegistry())

	first.DocumentsScored.WithLabelValues("lm").Add(3)
	second.DocumentsScored.WithLabelValues("lm").Inc()

	if got := testutil.ToFloat64(first.DocumentsScored.WithLabelValues("lm")); got != 3 {
		t.Errorf("first registry documents scored = %v, want 3", got)
	}
	if got := testutil.ToFloat64(second.DocumentsScored.WithLabelValues("lm")); got != 1 {
		t.Errorf("second registry documents scored = %v, want 1", got)
	}
}

func TestCollectorsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	m.StatsCacheRequests.WithLabelValues("lru", "hit").Inc()
	m.CircuitBreakerState.WithLabelValues("redis").Set(1)
	m.RankCandidates.Observe(10)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"stats_cache_requests_total", "circuit_breaker_state", "rank_candidates"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestAdminMux(t *testing.T) {
	ready := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(NewAdminMux(ServiceInfo{
		Model:     "mlm",
		Smoothing: "jm",
		Backend:   "memory",
		Analyzer:  "standard",
		StartedAt: time.Now().Add(-time.Minute),
	}, ready))
	defer srv.Close()

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/", http.StatusOK, "mlm model, memory statistics"},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/health/ready", http.StatusServiceUnavailable, ""},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body missing %q", tt.want)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var info struct {
		Model   string `json:"model"`
		Backend string `json:"backend"`
		Uptime  string `json:"uptime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Model != "mlm" || info.Backend != "memory" || info.Uptime == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestAdminMuxWithoutReadiness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewAdminMux(ServiceInfo{StartedAt: time.Now()}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
