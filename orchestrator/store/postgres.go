package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/harvestctl/orchestrator/errs"
)

// pgUniqueViolation is the SQLSTATE Postgres raises for a unique constraint
// breach; used to turn the tasks.tenant_id/name partial-unique-index
// collision into an errs.Conflict instead of a raw driver error.
const pgUniqueViolation = "23505"

// PostgresStore implements Store against PostgreSQL: the durable system of
// record for tasks, schedules and executions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a tuned connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Task operations ---

func (s *PostgresStore) CreateTask(ctx context.Context, tenantID string, t *Task) error {
	t.TenantID = tenantID
	query := `
		INSERT INTO tasks (task_id, tenant_id, name, type, image, command, env, host_id, status, max_runtime_seconds, concurrency, trigger_mode, deleted, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, image = EXCLUDED.image, command = EXCLUDED.command,
			env = EXCLUDED.env, host_id = EXCLUDED.host_id, status = EXCLUDED.status,
			max_runtime_seconds = EXCLUDED.max_runtime_seconds, concurrency = EXCLUDED.concurrency,
			trigger_mode = EXCLUDED.trigger_mode, deleted = EXCLUDED.deleted,
			metadata = EXCLUDED.metadata, updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		t.TaskID, t.TenantID, t.Name, t.Type, t.Image, t.Command, t.Env, t.HostID, t.Status,
		int64(t.MaxRuntime.Seconds()), t.Concurrency, t.TriggerMode, t.Deleted, t.Metadata,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errs.New(errs.Conflict, "task name already exists")
	}
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	query := `
		SELECT task_id, tenant_id, name, type, image, command, env, host_id, status, max_runtime_seconds, concurrency, trigger_mode, deleted, metadata, created_at, updated_at
		FROM tasks WHERE task_id = $1 AND tenant_id = $2 AND deleted = false
	`
	var t Task
	var maxRuntimeSeconds int64
	err := s.pool.QueryRow(ctx, query, taskID, tenantID).Scan(
		&t.TaskID, &t.TenantID, &t.Name, &t.Type, &t.Image, &t.Command, &t.Env, &t.HostID, &t.Status,
		&maxRuntimeSeconds, &t.Concurrency, &t.TriggerMode, &t.Deleted, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.MaxRuntime = time.Duration(maxRuntimeSeconds) * time.Second
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, tenantID string) ([]*Task, error) {
	query := `
		SELECT task_id, tenant_id, name, type, image, command, env, host_id, status, max_runtime_seconds, concurrency, trigger_mode, deleted, metadata, created_at, updated_at
		FROM tasks WHERE tenant_id = $1 AND deleted = false
	`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var maxRuntimeSeconds int64
		if err := rows.Scan(
			&t.TaskID, &t.TenantID, &t.Name, &t.Type, &t.Image, &t.Command, &t.Env, &t.HostID, &t.Status,
			&maxRuntimeSeconds, &t.Concurrency, &t.TriggerMode, &t.Deleted, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		t.MaxRuntime = time.Duration(maxRuntimeSeconds) * time.Second
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, tenantID, taskID, status string) error {
	query := `UPDATE tasks SET status = $2, updated_at = NOW() WHERE task_id = $1 AND tenant_id = $3`
	tag, err := s.pool.Exec(ctx, query, taskID, status, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("task not found")
	}
	return nil
}

// DeleteTask soft-deletes a task and cascades to its schedules in one
// transaction, so a crash mid-delete never leaves an orphaned enabled
// schedule pointing at a deleted task.
func (s *PostgresStore) DeleteTask(ctx context.Context, tenantID, taskID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE tasks SET deleted = true, updated_at = NOW() WHERE task_id = $1 AND tenant_id = $2`, taskID, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE schedules SET deleted = true, enabled = false, updated_at = NOW() WHERE task_id = $1 AND tenant_id = $2`, taskID, tenantID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Schedule operations ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, tenantID string, sc *Schedule) error {
	sc.TenantID = tenantID
	sc.Version = 1
	query := `
		INSERT INTO schedules (schedule_id, task_id, tenant_id, type, spec, enabled, next_fire_at, consecutive_failed, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		sc.ScheduleID, sc.TaskID, sc.TenantID, sc.Type, sc.Spec, sc.Enabled, sc.NextFireAt, sc.ConsecutiveFailed, sc.Version,
	)
	return err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, tenantID, scheduleID string) (*Schedule, error) {
	query := `
		SELECT schedule_id, task_id, tenant_id, type, spec, enabled, next_fire_at, last_fired_at, consecutive_failed, version, created_at, updated_at
		FROM schedules WHERE schedule_id = $1 AND tenant_id = $2 AND deleted = false
	`
	var sc Schedule
	err := s.pool.QueryRow(ctx, query, scheduleID, tenantID).Scan(
		&sc.ScheduleID, &sc.TaskID, &sc.TenantID, &sc.Type, &sc.Spec, &sc.Enabled,
		&sc.NextFireAt, &sc.LastFiredAt, &sc.ConsecutiveFailed, &sc.Version, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	query := `
		SELECT schedule_id, task_id, tenant_id, type, spec, enabled, next_fire_at, last_fired_at, consecutive_failed, version, created_at, updated_at
		FROM schedules WHERE tenant_id = $1 AND deleted = false
	`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(
			&sc.ScheduleID, &sc.TaskID, &sc.TenantID, &sc.Type, &sc.Spec, &sc.Enabled,
			&sc.NextFireAt, &sc.LastFiredAt, &sc.ConsecutiveFailed, &sc.Version, &sc.CreatedAt, &sc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &sc)
	}
	return result, nil
}

// ListDueSchedules uses Postgres-side hash sharding, the same
// ABS(hashtext(...) % N) = shardIndex pattern the teacher uses for state
// sharding, applied here to schedule IDs instead of node IDs.
func (s *PostgresStore) ListDueSchedules(ctx context.Context, before int64, shardIndex, shardCount int) ([]*Schedule, error) {
	var query string
	var args []interface{}
	if shardCount > 1 {
		query = `
			SELECT schedule_id, task_id, tenant_id, type, spec, enabled, next_fire_at, last_fired_at, consecutive_failed, version, created_at, updated_at
			FROM schedules
			WHERE enabled = true AND deleted = false AND next_fire_at <= to_timestamp($1) AND ABS(hashtext(schedule_id) % $2) = $3
		`
		args = []interface{}{before, shardCount, shardIndex}
	} else {
		query = `
			SELECT schedule_id, task_id, tenant_id, type, spec, enabled, next_fire_at, last_fired_at, consecutive_failed, version, created_at, updated_at
			FROM schedules WHERE enabled = true AND deleted = false AND next_fire_at <= to_timestamp($1)
		`
		args = []interface{}{before}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(
			&sc.ScheduleID, &sc.TaskID, &sc.TenantID, &sc.Type, &sc.Spec, &sc.Enabled,
			&sc.NextFireAt, &sc.LastFiredAt, &sc.ConsecutiveFailed, &sc.Version, &sc.CreatedAt, &sc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &sc)
	}
	return result, nil
}

func (s *PostgresStore) UpdateScheduleFire(ctx context.Context, tenantID, scheduleID string, expectedVersion int, nextFireAt int64, consecutiveFailed int, enabled bool) (bool, error) {
	query := `
		UPDATE schedules
		SET next_fire_at = to_timestamp($1), last_fired_at = NOW(), consecutive_failed = $2, enabled = $3, version = version + 1, updated_at = NOW()
		WHERE schedule_id = $4 AND tenant_id = $5 AND version = $6
	`
	tag, err := s.pool.Exec(ctx, query, nextFireAt, consecutiveFailed, enabled, scheduleID, tenantID, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, tenantID, scheduleID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE schedules SET deleted = true, enabled = false, updated_at = NOW() WHERE schedule_id = $1 AND tenant_id = $2`, scheduleID, tenantID)
	return err
}

// --- Execution operations ---

func (s *PostgresStore) CreateExecution(ctx context.Context, tenantID string, e *Execution) error {
	e.TenantID = tenantID
	e.Version = 1
	query := `
		INSERT INTO executions (execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, trace_id, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		e.ExecutionID, e.TaskID, e.ScheduleID, e.TenantID, e.HostID, e.ContainerID, e.Port, e.Command, e.Status, e.TraceID, e.Version,
	)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, tenantID, executionID string) (*Execution, error) {
	query := `
		SELECT execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, exit_code, stdout, stderr, error, trace_id, version, created_at, started_at, finished_at, last_heartbeat
		FROM executions WHERE execution_id = $1 AND tenant_id = $2
	`
	var e Execution
	err := s.pool.QueryRow(ctx, query, executionID, tenantID).Scan(
		&e.ExecutionID, &e.TaskID, &e.ScheduleID, &e.TenantID, &e.HostID, &e.ContainerID, &e.Port, &e.Command,
		&e.Status, &e.ExitCode, &e.Stdout, &e.Stderr, &e.Error, &e.TraceID, &e.Version, &e.CreatedAt, &e.StartedAt, &e.FinishedAt, &e.LastHeartbeat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) GetExecutionByID(ctx context.Context, executionID string) (*Execution, error) {
	query := `
		SELECT execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, exit_code, stdout, stderr, error, trace_id, version, created_at, started_at, finished_at, last_heartbeat
		FROM executions WHERE execution_id = $1
	`
	var e Execution
	err := s.pool.QueryRow(ctx, query, executionID).Scan(
		&e.ExecutionID, &e.TaskID, &e.ScheduleID, &e.TenantID, &e.HostID, &e.ContainerID, &e.Port, &e.Command,
		&e.Status, &e.ExitCode, &e.Stdout, &e.Stderr, &e.Error, &e.TraceID, &e.Version, &e.CreatedAt, &e.StartedAt, &e.FinishedAt, &e.LastHeartbeat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, tenantID, taskID string, limit int) ([]*Execution, error) {
	var rows pgx.Rows
	var err error
	if taskID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, exit_code, stdout, stderr, error, trace_id, version, created_at, started_at, finished_at, last_heartbeat
			FROM executions WHERE tenant_id = $1 AND task_id = $2 ORDER BY created_at DESC LIMIT $3
		`, tenantID, taskID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, exit_code, stdout, stderr, error, trace_id, version, created_at, started_at, finished_at, last_heartbeat
			FROM executions WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2
		`, tenantID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(
			&e.ExecutionID, &e.TaskID, &e.ScheduleID, &e.TenantID, &e.HostID, &e.ContainerID, &e.Port, &e.Command,
			&e.Status, &e.ExitCode, &e.Stdout, &e.Stderr, &e.Error, &e.TraceID, &e.Version, &e.CreatedAt, &e.StartedAt, &e.FinishedAt, &e.LastHeartbeat,
		); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	return result, nil
}

func (s *PostgresStore) ListExecutionsByStatus(ctx context.Context, status string, shardIndex, shardCount int) ([]*Execution, error) {
	var query string
	var args []interface{}
	if shardCount > 1 {
		query = `
			SELECT execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, exit_code, stdout, stderr, error, trace_id, version, created_at, started_at, finished_at, last_heartbeat
			FROM executions WHERE status = $1 AND ABS(hashtext(execution_id) % $2) = $3
		`
		args = []interface{}{status, shardCount, shardIndex}
	} else {
		query = `
			SELECT execution_id, task_id, schedule_id, tenant_id, host_id, container_id, port, command, status, exit_code, stdout, stderr, error, trace_id, version, created_at, started_at, finished_at, last_heartbeat
			FROM executions WHERE status = $1
		`
		args = []interface{}{status}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(
			&e.ExecutionID, &e.TaskID, &e.ScheduleID, &e.TenantID, &e.HostID, &e.ContainerID, &e.Port, &e.Command,
			&e.Status, &e.ExitCode, &e.Stdout, &e.Stderr, &e.Error, &e.TraceID, &e.Version, &e.CreatedAt, &e.StartedAt, &e.FinishedAt, &e.LastHeartbeat,
		); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	return result, nil
}

func (s *PostgresStore) CountExecutionsByStatus(ctx context.Context, tenantID, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions WHERE tenant_id = $1 AND status = $2`, tenantID, status).Scan(&count)
	return count, err
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, tenantID, executionID, status string, exitCode int, stdout, stderr, errMsg string, expectedVersion int) (bool, error) {
	var query string
	var tag pgconn.CommandTag
	var err error
	switch {
	case status == "running":
		query = `
			UPDATE executions SET status = $2, started_at = NOW(), version = version + 1
			WHERE execution_id = $1 AND tenant_id = $3 AND version = $4
		`
		t, e := s.pool.Exec(ctx, query, executionID, status, tenantID, expectedVersion)
		tag, err = t, e
	case IsTerminal(status):
		query = `
			UPDATE executions SET status = $2, exit_code = $3, stdout = $4, stderr = $5, error = $6, finished_at = NOW(), version = version + 1
			WHERE execution_id = $1 AND tenant_id = $7 AND version = $8 AND status NOT IN ('success', 'failed', 'cancelled')
		`
		t, e := s.pool.Exec(ctx, query, executionID, status, exitCode, stdout, stderr, errMsg, tenantID, expectedVersion)
		tag, err = t, e
	default:
		query = `UPDATE executions SET status = $2, version = version + 1 WHERE execution_id = $1 AND tenant_id = $3 AND version = $4`
		t, e := s.pool.Exec(ctx, query, executionID, status, tenantID, expectedVersion)
		tag, err = t, e
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateExecutionContainer(ctx context.Context, tenantID, executionID, containerID string, port int, command string) error {
	query := `UPDATE executions SET container_id = $3, port = $4, command = $5 WHERE execution_id = $1 AND tenant_id = $2`
	_, err := s.pool.Exec(ctx, query, executionID, tenantID, containerID, port, command)
	return err
}

func (s *PostgresStore) UpdateExecutionHeartbeat(ctx context.Context, tenantID, executionID string, at time.Time) error {
	query := `UPDATE executions SET last_heartbeat = $3 WHERE execution_id = $1 AND tenant_id = $2`
	_, err := s.pool.Exec(ctx, query, executionID, tenantID, at)
	return err
}

// --- Idempotency operations ---
// Postgres is not the idempotency backend of record (RedisStore is); kept
// for interface completeness the same way the teacher's PostgresStore does.

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *PostgresStore) SetIdempotencyRecord(ctx context.Context, key string, value []byte) error {
	return nil
}
