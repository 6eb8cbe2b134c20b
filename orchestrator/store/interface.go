package store

import (
	"context"
	"time"
)

// Store is the durable persistence contract for tasks, schedules and
// executions. Implementations must be safe for concurrent use.
//
// Not-found lookups return (nil, nil), never a sentinel error — callers
// distinguish "absent" from "storage failure" by the returned error alone.
type Store interface {
	// Task operations. CreateTask also serves as the update path (an
	// upsert keyed on TaskID): both enforce "unique name among
	// non-deleted rows" and return an errs.Conflict-kinded error on
	// collision with a different task id.
	CreateTask(ctx context.Context, tenantID string, t *Task) error
	GetTask(ctx context.Context, tenantID, taskID string) (*Task, error)
	ListTasks(ctx context.Context, tenantID string) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, tenantID, taskID, status string) error
	// DeleteTask soft-deletes a task and cascades the soft-delete to its
	// schedules (§3: "soft-delete cascades to schedules").
	DeleteTask(ctx context.Context, tenantID, taskID string) error

	// Schedule operations. Non-deleted rows only are returned by Get/List/
	// ListDue; DeleteSchedule soft-deletes.
	CreateSchedule(ctx context.Context, tenantID string, s *Schedule) error
	GetSchedule(ctx context.Context, tenantID, scheduleID string) (*Schedule, error)
	ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error)
	ListDueSchedules(ctx context.Context, before int64, shardIndex, shardCount int) ([]*Schedule, error)
	// UpdateScheduleFire advances a schedule's fire bookkeeping with an
	// optimistic-concurrency guard on expectedVersion; returns false (no
	// error) on a version conflict so the caller can skip this tick.
	UpdateScheduleFire(ctx context.Context, tenantID, scheduleID string, expectedVersion int, nextFireAt int64, consecutiveFailed int, enabled bool) (bool, error)
	DeleteSchedule(ctx context.Context, tenantID, scheduleID string) error

	// Execution operations
	CreateExecution(ctx context.Context, tenantID string, e *Execution) error
	GetExecution(ctx context.Context, tenantID, executionID string) (*Execution, error)
	// GetExecutionByID looks up an execution by id alone, across tenants.
	// Execution ids are globally unique; this exists for the callback
	// endpoint, which only ever learns an execution id from the container,
	// never a tenant id.
	GetExecutionByID(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, tenantID, taskID string, limit int) ([]*Execution, error)
	ListExecutionsByStatus(ctx context.Context, status string, shardIndex, shardCount int) ([]*Execution, error)
	CountExecutionsByStatus(ctx context.Context, tenantID, status string) (int, error)
	// UpdateExecutionStatus performs a compare-and-set write guarded by
	// expectedVersion, enforcing terminal-state monotonicity: once an
	// execution is terminal, further writes with a lower version are
	// rejected (false, nil).
	UpdateExecutionStatus(ctx context.Context, tenantID, executionID, status string, exitCode int, stdout, stderr, errMsg string, expectedVersion int) (bool, error)
	// UpdateExecutionContainer attaches host-assigned container metadata
	// (container id, published port, rendered audit command) once the
	// execution engine has started the container. No CAS: this never
	// changes status, only carries side-channel bookkeeping the engine
	// only learns after the optimistic running-transition already wrote.
	UpdateExecutionContainer(ctx context.Context, tenantID, executionID, containerID string, port int, command string) error
	// UpdateExecutionHeartbeat records the last time a running execution's
	// container called back. Best-effort, last-writer-wins, no CAS: the
	// callback endpoint must not fail the HTTP response if this fails.
	UpdateExecutionHeartbeat(ctx context.Context, tenantID, executionID string, at time.Time) error

	// Idempotency operations (typically backed by the ephemeral cache, not
	// the durable store; see Coordinator-adjacent RedisStore).
	GetIdempotencyRecord(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyRecord(ctx context.Context, key string, value []byte) error
}
