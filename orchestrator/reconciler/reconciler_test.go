package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/hostdriver"
	"github.com/itskum47/harvestctl/orchestrator/portalloc"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// fakeDriver is a minimal hostdriver.Driver for reconciler tests.
type fakeDriver struct {
	inspections map[string]hostdriver.Inspection
	stopped     []string
}

func (d *fakeDriver) StageConfig(ctx context.Context, localPath, executionID string) (string, error) {
	return localPath, nil
}
func (d *fakeDriver) Start(ctx context.Context, spec hostdriver.StartSpec) (string, error) {
	return "", nil
}
func (d *fakeDriver) Stop(ctx context.Context, containerIDOrName string) (bool, error) {
	d.stopped = append(d.stopped, containerIDOrName)
	return true, nil
}
func (d *fakeDriver) Remove(ctx context.Context, containerID string) error { return nil }
func (d *fakeDriver) Inspect(ctx context.Context, containerID string) (hostdriver.Inspection, error) {
	if insp, ok := d.inspections[containerID]; ok {
		return insp, nil
	}
	return hostdriver.Inspection{}, nil
}
func (d *fakeDriver) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}
func (d *fakeDriver) ProbePortListening(ctx context.Context, port int) (bool, error) { return false, nil }
func (d *fakeDriver) PurgeConfig(ctx context.Context, executionID string) error { return nil }

// fakeHeartbeatCache is an in-memory HeartbeatCache.
type fakeHeartbeatCache struct {
	last   map[string]time.Time
	missed map[string]int64
}

func newFakeHeartbeatCache() *fakeHeartbeatCache {
	return &fakeHeartbeatCache{last: map[string]time.Time{}, missed: map[string]int64{}}
}

func (c *fakeHeartbeatCache) GetHeartbeat(ctx context.Context, executionID string) (time.Time, error) {
	return c.last[executionID], nil
}
func (c *fakeHeartbeatCache) IncrMissedHeartbeat(ctx context.Context, executionID string, ttl time.Duration) (int64, error) {
	c.missed[executionID]++
	return c.missed[executionID], nil
}
func (c *fakeHeartbeatCache) ClearMissedHeartbeat(ctx context.Context, executionID string) error {
	c.missed[executionID] = 0
	return nil
}

func newTestReconciler(t *testing.T, s store.Store, driver *fakeDriver, cache HeartbeatCache, cfg Config) *Reconciler {
	t.Helper()
	allocator := portalloc.New(50000, 50010, driver, nil)
	return New(s, nil, driver, allocator, cache, nil, "test-holder", cfg)
}

func TestSweepMarksMissingContainerFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	exec := &store.Execution{
		ExecutionID: "exec-1",
		TaskID:      "task-1",
		HostID:      "host-1",
		ContainerID: "container-1",
		Status:      "running",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	driver := &fakeDriver{inspections: map[string]hostdriver.Inspection{
		"container-1": {Exists: false},
	}}
	cache := newFakeHeartbeatCache()
	r := newTestReconciler(t, s, driver, cache, Config{})

	r.Sweep(ctx)

	got, err := s.GetExecution(ctx, "tenant-1", "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("expected status failed, got %q", got.Status)
	}
	if got.Error == "" {
		t.Errorf("expected a failure reason to be recorded")
	}
}

func TestSweepResolvesCleanExitAsSuccess(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	exec := &store.Execution{
		ExecutionID: "exec-2",
		TaskID:      "task-1",
		ContainerID: "container-2",
		Status:      "running",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	driver := &fakeDriver{inspections: map[string]hostdriver.Inspection{
		"container-2": {Exists: true, Running: false, ExitCode: 0},
	}}
	r := newTestReconciler(t, s, driver, newFakeHeartbeatCache(), Config{})

	r.Sweep(ctx)

	got, _ := s.GetExecution(ctx, "tenant-1", "exec-2")
	if got.Status != "success" {
		t.Errorf("expected status success, got %q", got.Status)
	}
}

func TestSweepLeavesHealthyExecutionAlone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	exec := &store.Execution{
		ExecutionID: "exec-3",
		TaskID:      "task-1",
		ContainerID: "container-3",
		Status:      "running",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	driver := &fakeDriver{inspections: map[string]hostdriver.Inspection{
		"container-3": {Exists: true, Running: true},
	}}
	cache := newFakeHeartbeatCache()
	cache.last["exec-3"] = time.Now()
	r := newTestReconciler(t, s, driver, cache, Config{HeartbeatTimeout: 300 * time.Second})

	r.Sweep(ctx)

	got, _ := s.GetExecution(ctx, "tenant-1", "exec-3")
	if got.Status != "running" {
		t.Errorf("expected status to remain running, got %q", got.Status)
	}
}

func TestSweepMarksHeartbeatLostAfterMaxMisses(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	exec := &store.Execution{
		ExecutionID: "exec-4",
		TaskID:      "task-1",
		ContainerID: "container-4",
		Status:      "running",
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	driver := &fakeDriver{inspections: map[string]hostdriver.Inspection{
		"container-4": {Exists: true, Running: true},
	}}
	cache := newFakeHeartbeatCache()
	cache.last["exec-4"] = time.Now().Add(-time.Hour) // long stale
	r := newTestReconciler(t, s, driver, cache, Config{HeartbeatTimeout: time.Second, MissedHeartbeatMax: 2})

	r.Sweep(ctx)
	r.Sweep(ctx)

	got, _ := s.GetExecution(ctx, "tenant-1", "exec-4")
	if got.Status != "failed" {
		t.Errorf("expected status failed after missed heartbeats, got %q", got.Status)
	}
	if len(driver.stopped) != 1 || driver.stopped[0] != "container-4" {
		t.Errorf("expected the container to be stopped on resolve, got %v", driver.stopped)
	}
}
