// Package callback implements the two HTTP routes a running container uses
// to report progress and completion back to the control plane (C8).
package callback

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// HeartbeatCache is the narrow cache contract the heartbeat handler needs:
// write-through with a TTL past the staleness threshold.
type HeartbeatCache interface {
	RecordHeartbeat(ctx context.Context, executionID string, at time.Time, ttl time.Duration) error
	DeleteHeartbeat(ctx context.Context, executionID string) error
}

// heartbeatRequest is the JSON body a running container posts periodically.
type heartbeatRequest struct {
	ExecutionID   string `json:"execution_id"`
	ContainerName string `json:"container_name"`
	Status        string `json:"status"`
	Progress      string `json:"progress"`
	ClientEpoch   int64  `json:"client_epoch"`
}

// completionRequest is the JSON body a running container posts once, on
// exit.
type completionRequest struct {
	ExecutionID   string `json:"execution_id"`
	ContainerName string `json:"container_name"`
	Success       bool   `json:"success"`
	Result        string `json:"result"`
	Error         string `json:"error"`
}

// Handler serves the heartbeat and completion routes.
type Handler struct {
	store        store.Store
	cache        HeartbeatCache
	asyncWriter  *AsyncHeartbeatWriter
	heartbeatTTL time.Duration // 2*T_hb
}

// NewHandler constructs a callback Handler. heartbeatTimeout is T_hb; the
// cache TTL is fixed at 2*T_hb per §4.3.
func NewHandler(s store.Store, cache HeartbeatCache, asyncWriter *AsyncHeartbeatWriter, heartbeatTimeout time.Duration) *Handler {
	return &Handler{
		store:        s,
		cache:        cache,
		asyncWriter:  asyncWriter,
		heartbeatTTL: 2 * heartbeatTimeout,
	}
}

// Heartbeat handles POST /callback/heartbeat. Always returns quickly: the
// cache write is synchronous (it is the availability-critical path), the
// store update is fire-and-forget.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validExecutionID(req.ExecutionID) {
		http.Error(w, "malformed execution_id", http.StatusBadRequest)
		return
	}

	now := time.Now()
	if err := h.cache.RecordHeartbeat(r.Context(), req.ExecutionID, now, h.heartbeatTTL); err != nil {
		// Cache unavailable is a real failure for this endpoint: the cache
		// write is the whole point of the callback.
		log.Printf("callback: record heartbeat %s: %v", req.ExecutionID, err)
		http.Error(w, "heartbeat cache unavailable", http.StatusServiceUnavailable)
		return
	}

	observability.HeartbeatsReceived.WithLabelValues(req.ExecutionID).Inc()

	exec, err := h.store.GetExecutionByID(r.Context(), req.ExecutionID)
	tenantID := ""
	if err == nil && exec != nil {
		tenantID = exec.TenantID
		if req.ContainerName != "" && req.ContainerName != containerNameFor(req.ExecutionID) {
			log.Printf("callback: heartbeat %s container name mismatch (got %q)", req.ExecutionID, req.ContainerName)
		}
	}
	if h.asyncWriter != nil {
		h.asyncWriter.Submit(tenantID, req.ExecutionID, now)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Completion handles POST /callback/completion.
func (h *Handler) Completion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validExecutionID(req.ExecutionID) {
		http.Error(w, "malformed execution_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	exec, err := h.store.GetExecutionByID(ctx, req.ExecutionID)
	if err != nil {
		log.Printf("callback: get execution %s: %v", req.ExecutionID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if exec == nil {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if store.IsTerminal(exec.Status) {
		// Idempotent replay: already resolved, report success regardless.
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": exec.Status})
		return
	}

	if req.ContainerName != "" && req.ContainerName != containerNameFor(req.ExecutionID) {
		log.Printf("callback: completion %s container name mismatch (got %q), tolerated", req.ExecutionID, req.ContainerName)
	}

	status := "failed"
	if req.Success {
		status = "success"
	}
	exitCode := 0
	if !req.Success {
		exitCode = -1
	}

	ok, err := h.store.UpdateExecutionStatus(ctx, exec.TenantID, req.ExecutionID, status, exitCode, req.Result, "", req.Error, exec.Version)
	if err != nil {
		log.Printf("callback: update execution status %s: %v", req.ExecutionID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Lost the race to the reconciler; whichever terminal write landed
		// first stands. Still a success from the container's perspective.
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "already resolved"})
		return
	}

	if err := h.cache.DeleteHeartbeat(ctx, req.ExecutionID); err != nil {
		log.Printf("callback: delete heartbeat cache %s: %v (non-fatal)", req.ExecutionID, err)
	}
	observability.ActiveExecutions.Dec()
	if status == "success" {
		observability.ExecutionSuccesses.Inc()
	}
	if exec.StartedAt != nil {
		observability.ExecutionRuntimeSeconds.Observe(time.Since(*exec.StartedAt).Seconds())
	}
	h.reactivateTaskIfIdle(ctx, exec.TenantID, exec.TaskID)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// reactivateTaskIfIdle flips a task back from "running" to "active" once its
// most recent execution has resolved to a terminal state. Best-effort: the
// terminal write above already succeeded and must not be rolled back by a
// failure here.
func (h *Handler) reactivateTaskIfIdle(ctx context.Context, tenantID, taskID string) {
	recent, err := h.store.ListExecutions(ctx, tenantID, taskID, 1)
	if err != nil {
		log.Printf("callback: reactivate check for task %s: %v", taskID, err)
		return
	}
	if len(recent) > 0 && !store.IsTerminal(recent[0].Status) {
		return
	}
	if err := h.store.UpdateTaskStatus(ctx, tenantID, taskID, "active"); err != nil {
		log.Printf("callback: reactivate task %s: %v", taskID, err)
	}
}

// validExecutionID rejects obviously malformed ids without raising.
func validExecutionID(id string) bool {
	if id == "" || len(id) > 200 {
		return false
	}
	return !strings.ContainsAny(id, " \t\n/")
}

func containerNameFor(executionID string) string {
	return "task-" + executionID
}
