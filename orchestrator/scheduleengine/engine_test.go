package scheduleengine

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/store"
)

// fakeAdmitter records every execution admitted to it.
type fakeAdmitter struct {
	admitted []string
}

func (a *fakeAdmitter) Admit(ctx context.Context, executionID string, taskSnapshot *store.Task) {
	a.admitted = append(a.admitted, executionID)
}

func TestTickFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	task := &store.Task{TaskID: "task-1", Name: "task-1", Status: "idle"}
	if err := s.CreateTask(ctx, "tenant-1", task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	sc := &store.Schedule{
		ScheduleID: "sched-1",
		TaskID:     "task-1",
		TenantID:   "tenant-1",
		Type:       "interval",
		Spec:       `{"interval":5,"unit":"minutes"}`,
		Enabled:    true,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateSchedule(ctx, "tenant-1", sc); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	admitter := &fakeAdmitter{}
	e := New(s, nil, admitter, "test-holder")

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(admitter.admitted) != 1 {
		t.Fatalf("expected one admitted execution, got %d", len(admitter.admitted))
	}

	execs, err := s.ListExecutions(ctx, "tenant-1", "task-1", 0)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected one execution created, got %d", len(execs))
	}

	got, err := s.GetSchedule(ctx, "tenant-1", "sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.NextFireAt.After(time.Now()) {
		t.Errorf("expected next fire to be advanced into the future, got %v", got.NextFireAt)
	}
}

func TestTickSkipsScheduleWithTaskAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	task := &store.Task{TaskID: "task-2", Name: "task-2", Status: "running"}
	if err := s.CreateTask(ctx, "tenant-1", task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	sc := &store.Schedule{
		ScheduleID: "sched-2",
		TaskID:     "task-2",
		TenantID:   "tenant-1",
		Type:       "interval",
		Spec:       `{"interval":5,"unit":"minutes"}`,
		Enabled:    true,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateSchedule(ctx, "tenant-1", sc); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	admitter := &fakeAdmitter{}
	e := New(s, nil, admitter, "test-holder")

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(admitter.admitted) != 0 {
		t.Errorf("expected no admission while task is running, got %d", len(admitter.admitted))
	}
}

func TestTickAutoDisablesAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	task := &store.Task{TaskID: "task-3", Name: "task-3", Status: "idle"}
	if err := s.CreateTask(ctx, "tenant-1", task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < maxConsecutiveFailures; i++ {
		ex := &store.Execution{
			ExecutionID: "exec-fail-" + string(rune('a'+i)),
			TaskID:      "task-3",
			Status:      "failed",
			CreatedAt:   time.Now(),
		}
		if err := s.CreateExecution(ctx, "tenant-1", ex); err != nil {
			t.Fatalf("create execution: %v", err)
		}
	}
	sc := &store.Schedule{
		ScheduleID: "sched-3",
		TaskID:     "task-3",
		TenantID:   "tenant-1",
		Type:       "interval",
		Spec:       `{"interval":5,"unit":"minutes"}`,
		Enabled:    true,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateSchedule(ctx, "tenant-1", sc); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	admitter := &fakeAdmitter{}
	e := New(s, nil, admitter, "test-holder")

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(admitter.admitted) != 0 {
		t.Errorf("expected no admission once auto-disabled, got %d", len(admitter.admitted))
	}

	got, err := s.GetSchedule(ctx, "tenant-1", "sched-3")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Enabled {
		t.Error("expected schedule to be disabled after consecutive failures")
	}
}

func TestTickSkipsScheduleWithNonTerminalExecution(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	task := &store.Task{TaskID: "task-4", Name: "task-4", Status: "idle"}
	if err := s.CreateTask(ctx, "tenant-1", task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	ex := &store.Execution{
		ExecutionID: "exec-pending",
		TaskID:      "task-4",
		Status:      "pending",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateExecution(ctx, "tenant-1", ex); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	sc := &store.Schedule{
		ScheduleID: "sched-4",
		TaskID:     "task-4",
		TenantID:   "tenant-1",
		Type:       "interval",
		Spec:       `{"interval":5,"unit":"minutes"}`,
		Enabled:    true,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateSchedule(ctx, "tenant-1", sc); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	admitter := &fakeAdmitter{}
	e := New(s, nil, admitter, "test-holder")

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(admitter.admitted) != 0 {
		t.Errorf("expected no new admission while an execution is still non-terminal, got %d", len(admitter.admitted))
	}
}
