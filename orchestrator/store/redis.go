package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"hash/fnv"

	"github.com/itskum47/harvestctl/orchestrator/errs"
	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Coordinator and the ephemeral-cache half of Store:
// Task CRUD and Execution CRUD are implemented directly against Redis;
// Schedule operations are left to PostgresStore since schedules are
// durable-by-definition recurrence state, not cache.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// --- Coordinator: locks ---

func (s *RedisStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL if the lock is held by ownerID, via a Lua
// script for atomicity. Return codes: 1 success, 0 PEXPIRE failed,
// -1 key missing, -2 owner mismatch.
func (s *RedisStore) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	script := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, script, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return val == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, ownerID string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// --- Coordinator: leases (same primitive as locks, named for clarity) ---

func (s *RedisStore) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key, value string) (bool, error) {
	val, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return val == value, nil
}

func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":epoch").Result()
}

func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// --- Ephemeral cache: heartbeat / missed-heartbeat counters (C2) ---

// RecordHeartbeat stamps the last-seen time for a running execution with a
// TTL slightly past the reconciler's staleness threshold, so a crashed
// process's last heartbeat naturally expires instead of lying around.
func (s *RedisStore) RecordHeartbeat(ctx context.Context, executionID string, at time.Time, ttl time.Duration) error {
	return s.client.Set(ctx, HeartbeatKey(executionID), at.Unix(), ttl).Err()
}

// GetHeartbeat returns the last recorded heartbeat time, or the zero time
// if none is cached (expired or never reported).
func (s *RedisStore) GetHeartbeat(ctx context.Context, executionID string) (time.Time, error) {
	val, err := s.client.Get(ctx, HeartbeatKey(executionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(val, 0), nil
}

// IncrMissedHeartbeat bumps the consecutive-miss counter used against the
// K_to tolerance and returns the new count.
func (s *RedisStore) IncrMissedHeartbeat(ctx context.Context, executionID string, ttl time.Duration) (int64, error) {
	key := MissedHeartbeatKey(executionID)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.client.Expire(ctx, key, ttl)
	return n, nil
}

// ClearMissedHeartbeat resets the miss counter once a fresh heartbeat
// arrives.
func (s *RedisStore) ClearMissedHeartbeat(ctx context.Context, executionID string) error {
	return s.client.Del(ctx, MissedHeartbeatKey(executionID)).Err()
}

// DeleteHeartbeat removes the cached last-heartbeat record outright, used
// by the completion callback once an execution reaches a terminal state.
func (s *RedisStore) DeleteHeartbeat(ctx context.Context, executionID string) error {
	return s.client.Del(ctx, HeartbeatKey(executionID)).Err()
}

// --- Idempotency ---

func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	data, err := s.client.Get(ctx, "idempotency:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) SetIdempotencyRecord(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()
	return s.client.Set(ctx, "idempotency:"+key, value, 24*time.Hour).Err()
}

// --- Store: Task operations (JSON blob per key, like the teacher's Agent) ---

func (s *RedisStore) CreateTask(ctx context.Context, tenantID string, t *Task) error {
	t.TenantID = tenantID
	existing, err := s.ListTasks(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.Name == t.Name && other.TaskID != t.TaskID {
			return errs.New(errs.Conflict, "task name already exists")
		}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.client.Set(ctx, TenantKey(tenantID, ResourceTask, t.TaskID), data, 0).Err()
}

func (s *RedisStore) GetTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	data, err := s.client.Get(ctx, TenantKey(tenantID, ResourceTask, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if t.Deleted {
		return nil, nil
	}
	return &t, nil
}

func (s *RedisStore) ListTasks(ctx context.Context, tenantID string) ([]*Task, error) {
	match := TenantPrefix(tenantID, ResourceTask) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var tasks []*Task
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err == nil && !t.Deleted {
			tasks = append(tasks, &t)
		}
	}
	return tasks, iter.Err()
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, tenantID, taskID, status string) error {
	t, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return s.CreateTask(ctx, tenantID, t)
}

// DeleteTask soft-deletes: schedules are Postgres-only, so there is no
// cascade to perform here (PostgresStore.DeleteTask owns that).
func (s *RedisStore) DeleteTask(ctx context.Context, tenantID, taskID string) error {
	data, err := s.client.Get(ctx, TenantKey(tenantID, ResourceTask, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to unmarshal task: %w", err)
	}
	t.Deleted = true
	t.UpdatedAt = time.Now()
	out, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.client.Set(ctx, TenantKey(tenantID, ResourceTask, taskID), out, 0).Err()
}

// --- Store: Schedule operations (not implemented; Postgres is authoritative) ---

func (s *RedisStore) CreateSchedule(ctx context.Context, tenantID string, sc *Schedule) error {
	return errors.New("RedisStore.CreateSchedule not implemented")
}

func (s *RedisStore) GetSchedule(ctx context.Context, tenantID, scheduleID string) (*Schedule, error) {
	return nil, errors.New("RedisStore.GetSchedule not implemented")
}

func (s *RedisStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	return nil, errors.New("RedisStore.ListSchedules not implemented")
}

func (s *RedisStore) ListDueSchedules(ctx context.Context, before int64, shardIndex, shardCount int) ([]*Schedule, error) {
	return nil, errors.New("RedisStore.ListDueSchedules not implemented")
}

func (s *RedisStore) UpdateScheduleFire(ctx context.Context, tenantID, scheduleID string, expectedVersion int, nextFireAt int64, consecutiveFailed int, enabled bool) (bool, error) {
	return false, errors.New("RedisStore.UpdateScheduleFire not implemented")
}

func (s *RedisStore) DeleteSchedule(ctx context.Context, tenantID, scheduleID string) error {
	return errors.New("RedisStore.DeleteSchedule not implemented")
}

// --- Store: Execution operations (JSON blob per key, like the teacher's Job) ---

func (s *RedisStore) CreateExecution(ctx context.Context, tenantID string, e *Execution) error {
	e.TenantID = tenantID
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	return s.client.Set(ctx, TenantKey(tenantID, ResourceExecution, e.ExecutionID), data, 0).Err()
}

func (s *RedisStore) GetExecution(ctx context.Context, tenantID, executionID string) (*Execution, error) {
	data, err := s.client.Get(ctx, TenantKey(tenantID, ResourceExecution, executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) GetExecutionByID(ctx context.Context, executionID string) (*Execution, error) {
	pattern := fmt.Sprintf("harvestctl:tenants:*:%s:%s", ResourceExecution, executionID)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			data, err := s.client.Get(ctx, keys[0]).Bytes()
			if err != nil {
				return nil, err
			}
			var e Execution
			if err := json.Unmarshal(data, &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
			}
			return &e, nil
		}
		cursor = next
		if cursor == 0 {
			return nil, nil
		}
	}
}

func (s *RedisStore) ListExecutions(ctx context.Context, tenantID, taskID string, limit int) ([]*Execution, error) {
	match := TenantPrefix(tenantID, ResourceExecution) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var result []*Execution
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var e Execution
		if err := json.Unmarshal(data, &e); err == nil {
			if taskID == "" || e.TaskID == taskID {
				result = append(result, &e)
			}
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, iter.Err()
}

// ListExecutionsByStatus does a global scan across all tenants, filtering
// by sharding hash, despite the per-tenant Get path being the fast path
// elsewhere — the reconciler/schedule-engine sweeps are inherently
// cross-tenant operations.
func (s *RedisStore) ListExecutionsByStatus(ctx context.Context, status string, shardIndex, shardCount int) ([]*Execution, error) {
	if shardCount <= 0 {
		return nil, errors.New("shardCount must be > 0")
	}
	match := "harvestctl:tenants:*:executions:*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	var result []*Execution

	for iter.Next(ctx) {
		key := iter.Val()
		parts := strings.Split(key, ":")
		if len(parts) < 5 {
			continue
		}
		executionID := parts[4]

		h := fnv.New32a()
		h.Write([]byte(executionID))
		if int(h.Sum32())%shardCount != shardIndex {
			continue
		}

		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			log.Printf("ListExecutionsByStatus: failed to get execution %s: %v", executionID, err)
			continue
		}
		var e Execution
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if e.Status == status {
			result = append(result, &e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan executions: %w", err)
	}
	return result, nil
}

func (s *RedisStore) CountExecutionsByStatus(ctx context.Context, tenantID, status string) (int, error) {
	match := TenantPrefix(tenantID, ResourceExecution) + "*"
	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var e Execution
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if e.Status == status {
			count++
		}
	}
	return count, iter.Err()
}

func (s *RedisStore) UpdateExecutionStatus(ctx context.Context, tenantID, executionID, status string, exitCode int, stdout, stderr, errMsg string, expectedVersion int) (bool, error) {
	e, err := s.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, fmt.Errorf("execution not found: %s", executionID)
	}
	if IsTerminal(e.Status) || e.Version != expectedVersion {
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
	return true, s.CreateExecution(ctx, tenantID, e)
}

func (s *RedisStore) UpdateExecutionContainer(ctx context.Context, tenantID, executionID, containerID string, port int, command string) error {
	e, err := s.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("execution not found: %s", executionID)
	}
	e.ContainerID = containerID
	e.Port = port
	e.Command = command
	return s.CreateExecution(ctx, tenantID, e)
}

func (s *RedisStore) UpdateExecutionHeartbeat(ctx context.Context, tenantID, executionID string, at time.Time) error {
	e, err := s.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("execution not found: %s", executionID)
	}
	t := at
	e.LastHeartbeat = &t
	return s.CreateExecution(ctx, tenantID, e)
}
