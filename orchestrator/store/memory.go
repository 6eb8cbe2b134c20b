package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/errs"
)

// MemoryStore is an in-process Store used by unit tests and single-node
// dev mode. Not safe for multi-replica deployment: use PostgresStore with
// RedisStore coordination for that.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	schedules  map[string]*Schedule
	executions map[string]*Execution
	idempotent map[string][]byte
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*Task),
		schedules:  make(map[string]*Schedule),
		executions: make(map[string]*Execution),
		idempotent: make(map[string][]byte),
	}
}

// --- Task operations ---

func (s *MemoryStore) CreateTask(ctx context.Context, tenantID string, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.TenantID = tenantID
	for _, other := range s.tasks {
		if other.TenantID == tenantID && other.Name == t.Name && other.TaskID != t.TaskID && !other.Deleted {
			return errs.New(errs.Conflict, "task name already exists")
		}
	}
	s.tasks[TenantKey(tenantID, ResourceTask, t.TaskID)] = t
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[TenantKey(tenantID, ResourceTask, taskID)]
	if !ok || t.Deleted {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, tenantID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := TenantPrefix(tenantID, ResourceTask)
	result := make([]*Task, 0, len(s.tasks))
	for key, t := range s.tasks {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix && !t.Deleted {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, tenantID, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[TenantKey(tenantID, ResourceTask, taskID)]
	if !ok {
		return errors.New("task not found")
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, tenantID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[TenantKey(tenantID, ResourceTask, taskID)]
	if !ok {
		return nil
	}
	t.Deleted = true
	t.UpdatedAt = time.Now()
	for _, sc := range s.schedules {
		if sc.TenantID == tenantID && sc.TaskID == taskID {
			sc.Deleted = true
			sc.Enabled = false
			sc.UpdatedAt = t.UpdatedAt
		}
	}
	return nil
}

// --- Schedule operations ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, tenantID string, sc *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.TenantID = tenantID
	sc.Version = 1
	s.schedules[TenantKey(tenantID, ResourceSchedule, sc.ScheduleID)] = sc
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, tenantID, scheduleID string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[TenantKey(tenantID, ResourceSchedule, scheduleID)]
	if !ok || sc.Deleted {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := TenantPrefix(tenantID, ResourceSchedule)
	result := make([]*Schedule, 0, len(s.schedules))
	for key, sc := range s.schedules {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix && !sc.Deleted {
			cp := *sc
			result = append(result, &cp)
		}
	}
	return result, nil
}

// ListDueSchedules does a global linear scan (inefficient, matches the
// teacher's memory store's "mostly used by Reconciler" disclaimer).
func (s *MemoryStore) ListDueSchedules(ctx context.Context, before int64, shardIndex, shardCount int) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Schedule
	for _, sc := range s.schedules {
		if sc.Deleted || !sc.Enabled || sc.NextFireAt.Unix() > before {
			continue
		}
		if shardCount > 1 {
			if int(fnvHash(sc.ScheduleID)%uint32(shardCount)) != shardIndex {
				continue
			}
		}
		cp := *sc
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) UpdateScheduleFire(ctx context.Context, tenantID, scheduleID string, expectedVersion int, nextFireAt int64, consecutiveFailed int, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[TenantKey(tenantID, ResourceSchedule, scheduleID)]
	if !ok {
		return false, errors.New("schedule not found")
	}
	if sc.Version != expectedVersion {
		return false, nil
	}
	now := time.Now()
	sc.LastFiredAt = &now
	sc.NextFireAt = time.Unix(nextFireAt, 0)
	sc.ConsecutiveFailed = consecutiveFailed
	sc.Enabled = enabled
	sc.Version++
	sc.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, tenantID, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[TenantKey(tenantID, ResourceSchedule, scheduleID)]
	if !ok {
		return nil
	}
	sc.Deleted = true
	sc.Enabled = false
	sc.UpdatedAt = time.Now()
	return nil
}

// --- Execution operations ---

func (s *MemoryStore) CreateExecution(ctx context.Context, tenantID string, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.TenantID = tenantID
	e.Version = 1
	s.executions[TenantKey(tenantID, ResourceExecution, e.ExecutionID)] = e
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, tenantID, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[TenantKey(tenantID, ResourceExecution, executionID)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetExecutionByID(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executions {
		if e.ExecutionID == executionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, tenantID, taskID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Execution, 0)
	for _, e := range s.executions {
		if e.TenantID != tenantID || (taskID != "" && e.TaskID != taskID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListExecutionsByStatus(ctx context.Context, status string, shardIndex, shardCount int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Execution
	for _, e := range s.executions {
		if e.Status != status {
			continue
		}
		if shardCount > 1 && int(fnvHash(e.ExecutionID)%uint32(shardCount)) != shardIndex {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) CountExecutionsByStatus(ctx context.Context, tenantID, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, tenantID, executionID, status string, exitCode int, stdout, stderr, errMsg string, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[TenantKey(tenantID, ResourceExecution, executionID)]
	if !ok {
		return false, errors.New("execution not found")
	}
	if IsTerminal(e.Status) {
		// Terminal-state monotonicity: once terminal, no further writes.
		return false, nil
	}
	if e.Version != expectedVersion {
		return false, nil
	}
	now := time.Now()
	e.Status = status
	e.ExitCode = exitCode
	e.Stdout = stdout
	e.Stderr = stderr
	e.Error = errMsg
	e.Version++
	if status == "running" && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if IsTerminal(status) {
		e.FinishedAt = &now
	}
	return true, nil
}

func (s *MemoryStore) UpdateExecutionContainer(ctx context.Context, tenantID, executionID, containerID string, port int, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[TenantKey(tenantID, ResourceExecution, executionID)]
	if !ok {
		return errors.New("execution not found")
	}
	e.ContainerID = containerID
	e.Port = port
	e.Command = command
	return nil
}

func (s *MemoryStore) UpdateExecutionHeartbeat(ctx context.Context, tenantID, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[TenantKey(tenantID, ResourceExecution, executionID)]
	if !ok {
		return errors.New("execution not found")
	}
	t := at
	e.LastHeartbeat = &t
	return nil
}

// --- Idempotency operations ---

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.idempotent[key]
	return v, ok, nil
}

func (s *MemoryStore) SetIdempotencyRecord(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotent[key] = value
	return nil
}

// fnvHash is the same FNV-1a hash the teacher's memory store and scheduler
// package both carry (a minor duplication inherited as-is).
func fnvHash(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h *= 16777619
		h ^= uint32(s[i])
	}
	return h
}
