package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/harvestctl/orchestrator/errs"
	"github.com/itskum47/harvestctl/orchestrator/scheduleengine"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// scheduleSpecInput is the wire shape of the optional "schedule" field on a
// create/update task request; Spec is passed through opaque (its shape
// depends on Type, see scheduleengine/nextfire.go).
type scheduleSpecInput struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec"`
}

// createTaskRequest lets a single POST /v1/tasks body carry both the task
// definition and, for an auto-triggered task, its one schedule.
type createTaskRequest struct {
	store.Task
	Schedule *scheduleSpecInput `json:"schedule,omitempty"`
}

// createScheduleForTask validates spec against RecomputeNext and persists a
// new enabled Schedule row for task.
func (a *API) createScheduleForTask(r *http.Request, tenantID string, task *store.Task, in *scheduleSpecInput) error {
	next, err := scheduleengine.RecomputeNext(in.Type, string(in.Spec), time.Now())
	if err != nil {
		return errs.Newf(errs.Validation, "invalid schedule: %v", err)
	}
	sc := &store.Schedule{
		ScheduleID: uuid.NewString(),
		TaskID:     task.TaskID,
		TenantID:   tenantID,
		Type:       in.Type,
		Spec:       string(in.Spec),
		Enabled:    next != nil,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if next != nil {
		sc.NextFireAt = *next
	}
	return a.store.CreateSchedule(r.Context(), tenantID, sc)
}

// writeStoreError maps a store-layer error to the HTTP status its errs.Kind
// implies, falling back to 500 for anything untagged.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	logErr(op, err)
	switch {
	case errs.Is(err, errs.Conflict):
		http.Error(w, errs.Reason(err), http.StatusConflict)
	case errs.Is(err, errs.NotFound):
		http.Error(w, errs.Reason(err), http.StatusNotFound)
	case errs.Is(err, errs.Validation):
		http.Error(w, errs.Reason(err), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleTasksCollection serves GET (list) and POST (create) on /v1/tasks.
func (a *API) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListTasks(w, r)
	case http.MethodPost:
		a.handleCreateTask(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskItem serves /v1/tasks/{id}[/executions|/activate|/deactivate].
func (a *API) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	taskID, action := pathTail(r.URL.Path, "/v1/tasks")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.handleGetTask(w, r, taskID)
	case action == "" && r.Method == http.MethodPut:
		a.handleUpdateTask(w, r, taskID)
	case action == "" && r.Method == http.MethodDelete:
		a.handleDeleteTask(w, r, taskID)
	case action == "execute" && r.Method == http.MethodPost:
		a.handleExecuteTask(w, r, taskID)
	case action == "stop" && r.Method == http.MethodPost:
		a.handleStopTask(w, r, taskID)
	case action == "activate" && r.Method == http.MethodPost:
		a.handleSetTaskActive(w, r, taskID, true)
	case action == "deactivate" && r.Method == http.MethodPost:
		a.handleSetTaskActive(w, r, taskID, false)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !a.mutationLimiter.Allow() {
		a.writeRateLimitError(w, "create_task")
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t := req.Task
	if t.Image == "" || t.Name == "" {
		http.Error(w, "name and image are required", http.StatusBadRequest)
		return
	}
	if t.Type == "" {
		t.Type = "container-crawl"
	}
	if t.Concurrency <= 0 {
		t.Concurrency = 1
	}
	if t.TriggerMode == "" {
		t.TriggerMode = "manual"
	}
	if t.TriggerMode == "auto" && req.Schedule == nil {
		http.Error(w, "auto trigger mode requires a schedule", http.StatusBadRequest)
		return
	}

	t.TaskID = uuid.NewString()
	t.Status = "active"
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	if err := a.store.CreateTask(r.Context(), tenantID, &t); err != nil {
		writeStoreError(w, "create task", err)
		return
	}

	if req.Schedule != nil {
		if err := a.createScheduleForTask(r, tenantID, &t, req.Schedule); err != nil {
			writeStoreError(w, "create schedule for task", err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(t)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	tasks, err := a.store.ListTasks(r.Context(), tenantID)
	if err != nil {
		logErr("list tasks", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	t, err := a.store.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		logErr("get task", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// handleUpdateTask rewrites mutable task fields and handles trigger-mode
// transitions: manual->auto requires a schedule in the request body;
// auto->manual soft-deletes the task's existing schedule; auto->auto with a
// new schedule spec soft-deletes the old one and creates the new one.
func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !a.mutationLimiter.Allow() {
		a.writeRateLimitError(w, "update_task")
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	existing, err := a.store.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		logErr("get task for update", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if existing.Status == "running" {
		http.Error(w, "cannot update a running task", http.StatusConflict)
		return
	}

	var patch createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if patch.Name != "" {
		existing.Name = patch.Name
	}
	if patch.Image != "" {
		existing.Image = patch.Image
	}
	if patch.Type != "" {
		existing.Type = patch.Type
	}
	if patch.Command != nil {
		existing.Command = patch.Command
	}
	if patch.Env != nil {
		existing.Env = patch.Env
	}
	if patch.HostID != "" {
		existing.HostID = patch.HostID
	}
	if patch.MaxRuntime > 0 {
		existing.MaxRuntime = patch.MaxRuntime
	}
	if patch.Concurrency > 0 {
		existing.Concurrency = patch.Concurrency
	}

	wasAuto := existing.TriggerMode == "auto"
	newTriggerMode := existing.TriggerMode
	if patch.TriggerMode != "" {
		newTriggerMode = patch.TriggerMode
	}
	if newTriggerMode == "auto" && !wasAuto && patch.Schedule == nil {
		http.Error(w, "manual to auto transition requires a schedule", http.StatusBadRequest)
		return
	}
	existing.TriggerMode = newTriggerMode
	existing.UpdatedAt = time.Now()

	if err := a.store.CreateTask(r.Context(), tenantID, existing); err != nil {
		writeStoreError(w, "update task", err)
		return
	}

	// auto->manual, or auto->auto with a replacement spec: retire the old
	// schedule(s) before anything new is created.
	if wasAuto && (newTriggerMode == "manual" || (newTriggerMode == "auto" && patch.Schedule != nil)) {
		existingSchedules, err := a.store.ListSchedules(r.Context(), tenantID)
		if err != nil {
			logErr("list schedules for transition", err)
		} else {
			for _, sc := range existingSchedules {
				if sc.TaskID == taskID {
					if err := a.store.DeleteSchedule(r.Context(), tenantID, sc.ScheduleID); err != nil {
						logErr("soft-delete schedule on transition", err)
					}
				}
			}
		}
	}
	if newTriggerMode == "auto" && patch.Schedule != nil {
		if err := a.createScheduleForTask(r, tenantID, existing, patch.Schedule); err != nil {
			writeStoreError(w, "create schedule for task", err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(existing)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !a.mutationLimiter.Allow() {
		a.writeRateLimitError(w, "delete_task")
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	existing, err := a.store.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		logErr("get task for delete", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if existing.Status == "running" {
		http.Error(w, "cannot delete a running task; stop it first", http.StatusConflict)
		return
	}

	if err := a.store.DeleteTask(r.Context(), tenantID, taskID); err != nil {
		logErr("delete task", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteTask creates an on-demand execution and admits it. Rejects if
// the task is paused or already has a running execution (§6, §8: at most one
// concurrent execution per task).
func (a *API) handleExecuteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !a.mutationLimiter.Allow() {
		a.writeRateLimitError(w, "execute_task")
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	task, err := a.store.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		logErr("get task for execute", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	switch task.Status {
	case "paused":
		http.Error(w, "task is paused", http.StatusConflict)
		return
	case "running":
		http.Error(w, "task already has a running execution", http.StatusConflict)
		return
	}

	exec := &store.Execution{
		ExecutionID: uuid.NewString(),
		TaskID:      task.TaskID,
		TenantID:    tenantID,
		HostID:      task.HostID,
		Status:      "pending",
		CreatedAt:   time.Now(),
	}
	if err := a.store.CreateExecution(r.Context(), tenantID, exec); err != nil {
		logErr("create execution", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.admitter.Admit(r.Context(), exec.ExecutionID, task)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(exec)
}

func (a *API) handleStopTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !a.mutationLimiter.Allow() {
		a.writeRateLimitError(w, "stop_task")
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	executionID := r.URL.Query().Get("execution_id")
	if executionID == "" {
		running, err := a.store.ListExecutions(r.Context(), tenantID, taskID, 1)
		if err != nil {
			logErr("list executions for stop", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for _, e := range running {
			if !store.IsTerminal(e.Status) {
				executionID = e.ExecutionID
				break
			}
		}
	}
	if executionID == "" {
		http.Error(w, "no running execution for task", http.StatusNotFound)
		return
	}

	status, err := a.stopper.Stop(r.Context(), tenantID, executionID)
	if err != nil {
		logErr("stop execution", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID, "status": status})
}

// handleSetTaskActive flips a task between "active" and "paused". Disallowed
// while an execution is running, per §6: status transitions to/from "running"
// belong solely to the execution engine and reconciler.
func (a *API) handleSetTaskActive(w http.ResponseWriter, r *http.Request, taskID string, active bool) {
	if !a.mutationLimiter.Allow() {
		a.writeRateLimitError(w, "set_task_active")
		return
	}

	tenantID, err := tenantFrom(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	existing, err := a.store.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		logErr("get task for set-active", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if existing.Status == "running" {
		http.Error(w, "cannot change status of a running task", http.StatusConflict)
		return
	}

	status := "paused"
	if active {
		status = "active"
	}
	if err := a.store.UpdateTaskStatus(r.Context(), tenantID, taskID, status); err != nil {
		logErr("update task status", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"task_id": taskID, "status": status})
}
