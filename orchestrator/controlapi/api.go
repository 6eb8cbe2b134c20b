// Package controlapi is the human/UI-facing control plane: task and
// schedule CRUD, execute/stop, and execution listing (C9 in the design).
package controlapi

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/itskum47/harvestctl/orchestrator/idempotency"
	"github.com/itskum47/harvestctl/orchestrator/middleware"
	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// API serves the control plane's HTTP surface.
type API struct {
	store       store.Store
	admitter    Admitter
	stopper     Stopper
	idempotency *idempotency.Store

	mutationLimiter *rate.Limiter
}

// Admitter hands a frozen task snapshot to the execution engine. Matches
// scheduleengine.Admitter so both the scheduler and the "execute task" API
// route share one admission entry point.
type Admitter interface {
	Admit(ctx context.Context, executionID string, taskSnapshot *store.Task)
}

// Stopper cancels a task's in-flight execution. execengine.Engine.Stop
// satisfies this.
type Stopper interface {
	Stop(ctx context.Context, tenantID, executionID string) (string, error)
}

// NewAPI constructs the control API. idem may be nil (single-replica dev
// mode, in-process idempotency cache only).
func NewAPI(s store.Store, admitter Admitter, stopper Stopper, idem *idempotency.Store) *API {
	if idem == nil {
		idem = idempotency.NewStore(nil)
	}
	return &API{
		store:       s,
		admitter:    admitter,
		stopper:     stopper,
		idempotency: idem,
		// Storm protection: 20 mutating requests/sec per process, burst 40.
		mutationLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Routes registers the control API's handlers on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/tasks", a.withIdempotency(a.handleTasksCollection))
	mux.HandleFunc("/v1/tasks/", a.withIdempotency(a.handleTaskItem))
	mux.HandleFunc("/v1/executions", a.handleListExecutions)
}

// responseRecorder captures a handler's response so withIdempotency can
// cache and replay it for a repeated idempotency key.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a repeated
// X-Idempotency-Key on a mutating request; GETs pass straight through.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next(w, r)
			return
		}

		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func (a *API) writeRateLimitError(w http.ResponseWriter, label string) {
	observability.APIRateLimited.WithLabelValues(label).Inc()
	retryAfterMs := 500 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterMs/1000))
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

// tenantFrom is a thin wrapper kept local to this package so the rest of
// the handlers don't import middleware directly in every function.
func tenantFrom(r *http.Request) (string, error) {
	return middleware.GetTenantFromContext(r.Context())
}

// pathTail returns the last non-empty path segment after prefix, and any
// trailing segment after it (for /v1/tasks/{id}/executions-style routes).
func pathTail(urlPath, prefix string) (id, rest string) {
	trimmed := strings.TrimPrefix(urlPath, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func logErr(action string, err error) {
	if err != nil {
		log.Printf("controlapi: %s: %v", action, err)
	}
}
