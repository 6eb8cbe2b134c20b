package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itskum47/harvestctl/orchestrator/middleware"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

type noopAdmitter struct{}

func (noopAdmitter) Admit(ctx context.Context, executionID string, taskSnapshot *store.Task) {}

type noopStopper struct{}

func (noopStopper) Stop(ctx context.Context, tenantID, executionID string) (string, error) {
	return "cancelled", nil
}

func newTestAPI() *API {
	return NewAPI(store.NewMemoryStore(), noopAdmitter{}, noopStopper{}, nil)
}

func withTenant(req *http.Request, tenantID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.TenantKey, tenantID)
	return req.WithContext(ctx)
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req = withTenant(req, "tenant-1")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestCreateTaskManualNoSchedule(t *testing.T) {
	a := newTestAPI()
	rec := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":  "nightly-crawl",
		"image": "collector:latest",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.TriggerMode != "manual" {
		t.Errorf("expected default trigger mode manual, got %q", got.TriggerMode)
	}
}

func TestCreateTaskAutoWithoutScheduleRejected(t *testing.T) {
	a := newTestAPI()
	rec := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":         "nightly-crawl",
		"image":        "collector:latest",
		"trigger_mode": "auto",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for auto trigger mode with no schedule, got %d", rec.Code)
	}
}

func TestCreateTaskAutoWithScheduleCreatesIt(t *testing.T) {
	a := newTestAPI()
	rec := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":         "nightly-crawl",
		"image":        "collector:latest",
		"trigger_mode": "auto",
		"schedule": map[string]any{
			"type": "daily",
			"spec": map[string]any{"time": "02:00:00"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	scheds, err := a.store.ListSchedules(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	found := false
	for _, sc := range scheds {
		if sc.TaskID == got.TaskID {
			found = true
		}
	}
	if !found {
		t.Error("expected a schedule row to be created for the auto task")
	}
}

func TestCreateTaskDuplicateNameConflicts(t *testing.T) {
	a := newTestAPI()
	first := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":  "nightly-crawl",
		"image": "collector:latest",
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("expected first create to succeed, got %d", first.Code)
	}
	second := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":  "nightly-crawl",
		"image": "collector:latest",
	})
	if second.Code != http.StatusConflict {
		t.Errorf("expected 409 on duplicate name, got %d: %s", second.Code, second.Body.String())
	}
}

func TestUpdateTaskManualToAutoRequiresSchedule(t *testing.T) {
	a := newTestAPI()
	created := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":  "nightly-crawl",
		"image": "collector:latest",
	})
	var task store.Task
	if err := json.Unmarshal(created.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}

	handler := func(w http.ResponseWriter, r *http.Request) { a.handleUpdateTask(w, r, task.TaskID) }
	rec := doRequest(t, handler, http.MethodPut, "/v1/tasks/"+task.TaskID, map[string]any{
		"trigger_mode": "auto",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for manual->auto without a schedule, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateTaskManualToAutoWithScheduleSucceeds(t *testing.T) {
	a := newTestAPI()
	created := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":  "nightly-crawl",
		"image": "collector:latest",
	})
	var task store.Task
	if err := json.Unmarshal(created.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}

	handler := func(w http.ResponseWriter, r *http.Request) { a.handleUpdateTask(w, r, task.TaskID) }
	rec := doRequest(t, handler, http.MethodPut, "/v1/tasks/"+task.TaskID, map[string]any{
		"trigger_mode": "auto",
		"schedule": map[string]any{
			"type": "interval",
			"spec": map[string]any{"interval": 10, "unit": "minutes"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	scheds, err := a.store.ListSchedules(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(scheds) != 1 {
		t.Errorf("expected exactly one schedule, got %d", len(scheds))
	}
}

func TestUpdateTaskAutoToManualSoftDeletesSchedule(t *testing.T) {
	a := newTestAPI()
	created := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":         "nightly-crawl",
		"image":        "collector:latest",
		"trigger_mode": "auto",
		"schedule": map[string]any{
			"type": "daily",
			"spec": map[string]any{"time": "02:00:00"},
		},
	})
	var task store.Task
	if err := json.Unmarshal(created.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}

	handler := func(w http.ResponseWriter, r *http.Request) { a.handleUpdateTask(w, r, task.TaskID) }
	rec := doRequest(t, handler, http.MethodPut, "/v1/tasks/"+task.TaskID, map[string]any{
		"trigger_mode": "manual",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	scheds, err := a.store.ListSchedules(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(scheds) != 0 {
		t.Errorf("expected the schedule to be soft-deleted, got %d remaining", len(scheds))
	}
}

func TestUpdateTaskAutoToAutoWithNewScheduleReplacesOld(t *testing.T) {
	a := newTestAPI()
	created := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":         "nightly-crawl",
		"image":        "collector:latest",
		"trigger_mode": "auto",
		"schedule": map[string]any{
			"type": "daily",
			"spec": map[string]any{"time": "02:00:00"},
		},
	})
	var task store.Task
	if err := json.Unmarshal(created.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}

	handler := func(w http.ResponseWriter, r *http.Request) { a.handleUpdateTask(w, r, task.TaskID) }
	rec := doRequest(t, handler, http.MethodPut, "/v1/tasks/"+task.TaskID, map[string]any{
		"trigger_mode": "auto",
		"schedule": map[string]any{
			"type": "cron",
			"spec": map[string]any{"cron_expression": "0 0 * * *"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	scheds, err := a.store.ListSchedules(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(scheds) != 1 {
		t.Fatalf("expected exactly one surviving schedule, got %d", len(scheds))
	}
	if scheds[0].Type != "cron" {
		t.Errorf("expected the replacement schedule's type to stick, got %q", scheds[0].Type)
	}
}

func TestDeleteTaskCascadesToSchedule(t *testing.T) {
	a := newTestAPI()
	created := doRequest(t, a.handleTasksCollection, http.MethodPost, "/v1/tasks", map[string]any{
		"name":         "nightly-crawl",
		"image":        "collector:latest",
		"trigger_mode": "auto",
		"schedule": map[string]any{
			"type": "daily",
			"spec": map[string]any{"time": "02:00:00"},
		},
	})
	var task store.Task
	if err := json.Unmarshal(created.Body.Bytes(), &task); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}

	handler := func(w http.ResponseWriter, r *http.Request) { a.handleDeleteTask(w, r, task.TaskID) }
	rec := doRequest(t, handler, http.MethodDelete, "/v1/tasks/"+task.TaskID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	scheds, err := a.store.ListSchedules(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(scheds) != 0 {
		t.Errorf("expected the task's schedule to be cascaded-deleted, got %d remaining", len(scheds))
	}

	got, err := a.store.GetTask(context.Background(), "tenant-1", task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got != nil {
		t.Errorf("expected the deleted task to read back as not found, got %+v", got)
	}
}
