package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fentz26/leasepool/internal/metrics"
	"github.com/fentz26/leasepool/internal/models"
	"github.com/fentz26/leasepool/internal/pool"
	"github.com/fentz26/leasepool/internal/store"
)

type fixedStats pool.Stats

func (f fixedStats) Stats() pool.Stats { return pool.Stats(f) }

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opts = append([]Option{WithLogger(testr.New(t))}, opts...)
	return NewServer(st, "127.0.0.1:0", opts...), st
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" || health.Time == "" {
		t.Errorf("Expected version and time to be set, got %+v", health)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/health", "")
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 404 or 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st := newTestServer(t)

	// Close the store to simulate DB error
	st.Close()

	w := do(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Errorf("Expected an unhealthy response, got %+v", health)
	}
}

func TestEnqueueAndPeek(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/queues/jobs/messages", `{"messages": [{"n": 1}, "two", 3]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	w = do(s, http.MethodGet, "/queues/jobs/messages?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var msgs []models.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Body) != "3" || string(msgs[1].Body) != `"two"` {
		t.Errorf("Expected newest first, got %s, %s", msgs[0].Body, msgs[1].Body)
	}
	if msgs[0].State != models.MessageStateReady {
		t.Errorf("Expected ready state, got %s", msgs[0].State)
	}
}

func TestEnqueueDelayed(t *testing.T) {
	s, st := newTestServer(t)

	w := do(s, http.MethodPost, "/queues/later/messages", `{"messages": [1], "delay": "1h"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Delayed != 1 {
		t.Errorf("Expected one delayed message, got %+v", stats)
	}
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"messages": [`},
		{"missing messages", `{}`},
		{"null message", `{"messages": [null]}`},
		{"bad delay", `{"messages": [1], "delay": "soon"}`},
		{"negative delay", `{"messages": [1], "delay": "-1s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/queues/jobs/messages", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestPeekRejectsBadLimit(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/queues/jobs/messages?limit=zero", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, WithPool(fixedStats{Active: true, Workers: 4, Dispatched: 7}))

	do(s, http.MethodPost, "/queues/jobs/messages", `{"messages": [1, 2]}`)

	w := do(s, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Pool == nil || !resp.Pool.Active || resp.Pool.Workers != 4 || resp.Pool.Dispatched != 7 {
		t.Errorf("Unexpected pool stats: %+v", resp.Pool)
	}
	if len(resp.Queues) != 1 || resp.Queues[0].Queue != "jobs" || resp.Queues[0].Ready != 2 {
		t.Errorf("Unexpected queue stats: %+v", resp.Queues)
	}
}

func TestStatsEndpointWithoutPool(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/stats", "")
	var resp StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Pool != nil {
		t.Errorf("Expected no pool stats, got %+v", resp.Pool)
	}
	if resp.Queues == nil {
		t.Error("Expected an empty queue list, got null")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IncDispatched()
	s, _ := newTestServer(t, WithGatherer(reg))

	w := do(s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "leasepool_") {
		t.Errorf("Expected leasepool metrics, got %s", w.Body.String())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
