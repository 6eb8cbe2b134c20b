package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/store"
)

// fakeCache is an in-memory HeartbeatCache for handler tests.
type fakeCache struct {
	recorded map[string]time.Time
	deleted  map[string]bool
	failRec  bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{recorded: map[string]time.Time{}, deleted: map[string]bool{}}
}

func (c *fakeCache) RecordHeartbeat(ctx context.Context, executionID string, at time.Time, ttl time.Duration) error {
	if c.failRec {
		return http.ErrServerClosed
	}
	c.recorded[executionID] = at
	return nil
}
func (c *fakeCache) DeleteHeartbeat(ctx context.Context, executionID string) error {
	c.deleted[executionID] = true
	return nil
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHeartbeatRecordsToCache(t *testing.T) {
	s := store.NewMemoryStore()
	exec := &store.Execution{ExecutionID: "exec-1", TaskID: "task-1", Status: "running", CreatedAt: time.Now()}
	if err := s.CreateExecution(context.Background(), "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	cache := newFakeCache()
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Heartbeat, "/callback/heartbeat", heartbeatRequest{ExecutionID: "exec-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := cache.recorded["exec-1"]; !ok {
		t.Error("expected the heartbeat to be recorded in the cache")
	}
}

func TestHeartbeatRejectsMalformedExecutionID(t *testing.T) {
	s := store.NewMemoryStore()
	cache := newFakeCache()
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Heartbeat, "/callback/heartbeat", heartbeatRequest{ExecutionID: "has space"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHeartbeatReturns503WhenCacheUnavailable(t *testing.T) {
	s := store.NewMemoryStore()
	cache := newFakeCache()
	cache.failRec = true
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Heartbeat, "/callback/heartbeat", heartbeatRequest{ExecutionID: "exec-2"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestCompletionMarksSuccessAndClearsHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	exec := &store.Execution{ExecutionID: "exec-3", TaskID: "task-1", Status: "running", CreatedAt: time.Now()}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	cache := newFakeCache()
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Completion, "/callback/completion", completionRequest{ExecutionID: "exec-3", Success: true, Result: "ok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := s.GetExecution(ctx, "tenant-1", "exec-3")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "success" {
		t.Errorf("expected status success, got %q", got.Status)
	}
	if !cache.deleted["exec-3"] {
		t.Error("expected the heartbeat cache entry to be cleared on completion")
	}
}

func TestCompletionMarksFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	exec := &store.Execution{ExecutionID: "exec-4", TaskID: "task-1", Status: "running", CreatedAt: time.Now()}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	cache := newFakeCache()
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Completion, "/callback/completion", completionRequest{ExecutionID: "exec-4", Success: false, Error: "boom"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got, err := s.GetExecution(ctx, "tenant-1", "exec-4")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("expected status failed, got %q", got.Status)
	}
	if got.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", got.ExitCode)
	}
}

func TestCompletionIsIdempotentOnTerminalExecution(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	exec := &store.Execution{ExecutionID: "exec-5", TaskID: "task-1", Status: "running", CreatedAt: time.Now()}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if _, err := s.UpdateExecutionStatus(ctx, "tenant-1", "exec-5", "success", 0, "", "", "", 1); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	cache := newFakeCache()
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Completion, "/callback/completion", completionRequest{ExecutionID: "exec-5", Success: false, Error: "late replay"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got, err := s.GetExecution(ctx, "tenant-1", "exec-5")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "success" {
		t.Errorf("expected the original terminal status to stick, got %q", got.Status)
	}
}

func TestCompletionReturnsNotFoundForUnknownExecution(t *testing.T) {
	s := store.NewMemoryStore()
	cache := newFakeCache()
	h := NewHandler(s, cache, nil, 30*time.Second)

	rec := postJSON(t, h.Completion, "/callback/completion", completionRequest{ExecutionID: "nonexistent", Success: true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
