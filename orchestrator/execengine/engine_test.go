package execengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/hostdriver"
	"github.com/itskum47/harvestctl/orchestrator/portalloc"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// fakeDriver is a controllable hostdriver.Driver for engine tests.
type fakeDriver struct {
	startErr   error
	stageErr   error
	startCalls int
	removed    []string
	stopped    []string
}

func (d *fakeDriver) StageConfig(ctx context.Context, localPath, executionID string) (string, error) {
	if d.stageErr != nil {
		return "", d.stageErr
	}
	return localPath, nil
}
func (d *fakeDriver) Start(ctx context.Context, spec hostdriver.StartSpec) (string, error) {
	d.startCalls++
	if d.startErr != nil {
		return "", d.startErr
	}
	return "container-" + spec.Name, nil
}
func (d *fakeDriver) Stop(ctx context.Context, containerIDOrName string) (bool, error) {
	d.stopped = append(d.stopped, containerIDOrName)
	return true, nil
}
func (d *fakeDriver) Remove(ctx context.Context, containerID string) error {
	d.removed = append(d.removed, containerID)
	return nil
}
func (d *fakeDriver) Inspect(ctx context.Context, containerID string) (hostdriver.Inspection, error) {
	return hostdriver.Inspection{}, nil
}
func (d *fakeDriver) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}
func (d *fakeDriver) ProbePortListening(ctx context.Context, port int) (bool, error) {
	return false, nil
}
func (d *fakeDriver) PurgeConfig(ctx context.Context, executionID string) error { return nil }

func newTestEngine(driver *fakeDriver) *Engine {
	allocator := portalloc.New(45000, 45010, driver, nil)
	return New(store.NewMemoryStore(), driver, allocator, Config{StageDir: "/tmp"})
}

func seedExecution(t *testing.T, s store.Store, tenantID, executionID, taskID string) *store.Execution {
	t.Helper()
	exec := &store.Execution{
		ExecutionID: executionID,
		TaskID:      taskID,
		TenantID:    tenantID,
		Status:      "pending",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateExecution(context.Background(), tenantID, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return exec
}

func TestStartSucceeds(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{}
	e := newTestEngine(driver)
	seedExecution(t, e.store, "tenant-1", "exec-1", "task-1")

	task := &store.Task{TaskID: "task-1", Image: "collector:latest", Type: "api-pull"}
	status, err := e.Start(ctx, "tenant-1", "exec-1", task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != "running" {
		t.Errorf("expected running, got %q", status)
	}

	got, err := e.store.GetExecution(ctx, "tenant-1", "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "running" {
		t.Errorf("expected stored status running, got %q", got.Status)
	}
	if got.ContainerID == "" {
		t.Error("expected a container id to be recorded")
	}
	if got.Port < 45000 || got.Port > 45010 {
		t.Errorf("expected an allocated port in range, got %d", got.Port)
	}
}

func TestStartFailsOnInvalidTaskType(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{}
	e := newTestEngine(driver)
	seedExecution(t, e.store, "tenant-1", "exec-2", "task-2")

	task := &store.Task{TaskID: "task-2", Image: "collector:latest", Type: "unsupported"}
	status, err := e.Start(ctx, "tenant-1", "exec-2", task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}

	got, err := e.store.GetExecution(ctx, "tenant-1", "exec-2")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("expected stored status failed, got %q", got.Status)
	}
	if got.Error == "" {
		t.Error("expected a failure reason to be recorded")
	}
	if driver.startCalls != 0 {
		t.Errorf("expected no container start attempt for an invalid task, got %d", driver.startCalls)
	}
}

func TestStartFailsWhenContainerStartErrors(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{startErr: errors.New("engine unreachable")}
	e := newTestEngine(driver)
	seedExecution(t, e.store, "tenant-1", "exec-3", "task-3")

	task := &store.Task{TaskID: "task-3", Image: "collector:latest", Type: "db-extract"}
	status, err := e.Start(ctx, "tenant-1", "exec-3", task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	// the engine retries once on a start collision, so two calls is expected.
	if driver.startCalls == 0 {
		t.Error("expected at least one container start attempt")
	}
}

func TestStartFailsWhenStageConfigErrors(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{stageErr: errors.New("host unreachable")}
	e := newTestEngine(driver)
	seedExecution(t, e.store, "tenant-1", "exec-4", "task-4")

	task := &store.Task{TaskID: "task-4", Image: "collector:latest", Type: "container-crawl"}
	status, err := e.Start(ctx, "tenant-1", "exec-4", task)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	if driver.startCalls != 0 {
		t.Errorf("expected no container start after staging fails, got %d", driver.startCalls)
	}
}

func TestStopStopsRunningExecution(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{}
	e := newTestEngine(driver)
	seedExecution(t, e.store, "tenant-1", "exec-5", "task-5")
	if _, err := e.store.UpdateExecutionContainer(ctx, "tenant-1", "exec-5", "container-5", 45000, "docker run"); err != nil {
		t.Fatalf("update execution container: %v", err)
	}
	if _, err := e.store.UpdateExecutionStatus(ctx, "tenant-1", "exec-5", "running", 0, "", "", "", 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	status, err := e.Stop(ctx, "tenant-1", "exec-5")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if status != "cancelled" {
		t.Errorf("expected cancelled, got %q", status)
	}
	if len(driver.stopped) != 1 || driver.stopped[0] != "container-5" {
		t.Errorf("expected the container to be stopped, got %v", driver.stopped)
	}
}

func TestStopIsIdempotentOnTerminalExecution(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{}
	e := newTestEngine(driver)
	seedExecution(t, e.store, "tenant-1", "exec-6", "task-6")
	if _, err := e.store.UpdateExecutionStatus(ctx, "tenant-1", "exec-6", "success", 0, "", "", "", 1); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	status, err := e.Stop(ctx, "tenant-1", "exec-6")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if status != "success" {
		t.Errorf("expected the terminal status to be returned unchanged, got %q", status)
	}
	if len(driver.stopped) != 0 {
		t.Errorf("expected no driver Stop call against an already-terminal execution, got %v", driver.stopped)
	}
}
