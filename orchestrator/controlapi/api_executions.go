package controlapi

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// handleListExecutions serves GET /v1/executions?task_id=&limit=, ordered
// create-time descending (ListExecutions already sorts this way).
func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	taskID := r.URL.Query().Get("task_id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	executions, err := a.store.ListExecutions(r.Context(), tenantID, taskID, limit)
	if err != nil {
		logErr("list executions", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(executions)
}
