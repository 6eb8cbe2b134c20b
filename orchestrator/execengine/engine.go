// Package execengine admits scheduled and on-demand executions through a
// bounded queue and worker pool, drives a pending execution to running (or
// terminal failed), and handles explicit stop requests (C6 in the design).
package execengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/itskum47/harvestctl/orchestrator/errs"
	"github.com/itskum47/harvestctl/orchestrator/hostdriver"
	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/portalloc"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// allowedTaskTypes is the recognised set validated before any container is
// started.
var allowedTaskTypes = map[string]bool{
	"container-crawl": true,
	"api-pull":        true,
	"db-extract":      true,
}

// startRetries bounds the port-exhaustion/occupied-port race described in
// §4.5: the allocator is re-invoked up to this many times with small
// randomised backoff.
const startRetries = 5

// Config tunes Engine behaviour.
type Config struct {
	CallbackBaseURL  string
	AutoRemoveOnExit bool
	StageDir         string // local scratch dir for writing config.json before staging
}

// Engine brings a pending execution to running, or a terminal failed state.
type Engine struct {
	store     store.Store
	driver    hostdriver.Driver
	allocator *portalloc.Allocator
	breaker   *CircuitBreaker
	limiters  *hostLimiters
	cfg       Config

	mu            sync.RWMutex
	admissionMode AdmissionMode
	queue         *ThreadSafeQueue
	wake          chan struct{}
	busyWorkers   int32 // atomic; dispatchNext increments/decrements around Start
}

// New constructs an Engine.
func New(s store.Store, driver hostdriver.Driver, allocator *portalloc.Allocator, cfg Config) *Engine {
	if cfg.StageDir == "" {
		cfg.StageDir = os.TempDir()
	}
	return &Engine{
		store:     s,
		driver:    driver,
		allocator: allocator,
		breaker:   NewCircuitBreaker(5),
		limiters:  newHostLimiters(2, 4),
		cfg:       cfg,
		queue:     NewThreadSafeQueue(defaultQueueCapacity),
		wake:      make(chan struct{}, 1),
	}
}

// Start implements the §4.2 start algorithm.
func (e *Engine) Start(ctx context.Context, tenantID, executionID string, task *store.Task) (string, error) {
	exec, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return "", fmt.Errorf("get execution: %w", err)
	}
	if exec == nil {
		return "", fmt.Errorf("execution %s not found", executionID)
	}

	// Step 1: optimistic running transition.
	if _, err := e.store.UpdateExecutionStatus(ctx, tenantID, executionID, "running", 0, "", "", "", exec.Version); err != nil {
		return "", fmt.Errorf("mark running: %w", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, tenantID, task.TaskID, "running"); err != nil {
		log.Printf("execengine: mark task %s running: %v", task.TaskID, err)
	}

	// Step 2: validate task snapshot.
	if err := validateTask(task); err != nil {
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.Newf(errs.Validation, "%v", err)))
		return "failed", nil
	}

	if !e.breaker.Allow() {
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.New(errs.TransientInfrastructure, "host circuit breaker open")))
		return "failed", nil
	}

	if err := e.limiters.Wait(ctx, task.HostID); err != nil {
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.Newf(errs.TransientInfrastructure, "host rate limit wait: %v", err)))
		return "failed", nil
	}

	// Step 3: materialise and stage config.
	localPath, err := e.writeLocalConfig(executionID, task)
	if err != nil {
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.Newf(errs.Validation, "materialise config: %v", err)))
		return "failed", nil
	}
	stagedPath, err := e.driver.StageConfig(ctx, localPath, executionID)
	if err != nil {
		e.breaker.RecordResult(false)
		e.reportCircuitState()
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.Newf(errs.TransientInfrastructure, "stage config: %v", err)))
		return "failed", nil
	}

	// Step 4: allocate a host port.
	port, err := portalloc.AllocateWithRetry(ctx, e.allocator, startRetries)
	if err != nil {
		observability.PortAllocationFailures.WithLabelValues(task.HostID).Inc()
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.WithDetail(errs.Exhaustion, "port exhaustion", startRetries)))
		return "failed", nil
	}

	// Step 5: assemble and start.
	name := containerName(executionID)
	spec := hostdriver.StartSpec{
		Image:    task.Image,
		Name:     name,
		Hostname: name,
		Bindings: []hostdriver.Binding{
			{HostPath: stagedPath, ContainerPath: containerConfigPath, ReadOnly: true},
		},
		Env: map[string]string{
			"TASK_EXECUTION_ID": executionID,
			"CONFIG_PATH":       containerConfigPath,
			"API_BASE_URL":      e.cfg.CallbackBaseURL,
		},
		HostPort:      port,
		ContainerPort: containerPort,
		AutoRemove:    e.cfg.AutoRemoveOnExit,
	}

	containerID, err := e.driver.Start(ctx, spec)
	if err != nil {
		// Collision case: a pre-existing container with this name. Force
		// remove and retry once per §4.2 step 5.
		if removeErr := e.driver.Remove(ctx, name); removeErr == nil {
			observability.ExecutionRetries.Inc()
			containerID, err = e.driver.Start(ctx, spec)
		}
	}
	if err != nil {
		e.breaker.RecordResult(false)
		e.reportCircuitState()
		e.allocator.Release(ctx, port)
		e.fail(ctx, tenantID, executionID, "", errs.Reason(errs.Newf(errs.ContainerError, "start container: %v", err)))
		return "failed", nil
	}

	e.breaker.RecordResult(true)
	e.reportCircuitState()

	command := renderCommand(executionID, stagedPath, task.Image, e.cfg.CallbackBaseURL, port, e.cfg.AutoRemoveOnExit, nil)

	if err := e.store.UpdateExecutionContainer(ctx, tenantID, executionID, containerID, port, command); err != nil {
		log.Printf("execengine: persist container metadata for %s: %v", executionID, err)
	}

	observability.ActiveExecutions.Inc()
	return "running", nil
}

// Stop implements the §4.2 stop algorithm. Idempotent: a terminal execution
// is a noop.
func (e *Engine) Stop(ctx context.Context, tenantID, executionID string) (string, error) {
	exec, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return "", fmt.Errorf("get execution: %w", err)
	}
	if exec == nil {
		return "", fmt.Errorf("execution %s not found", executionID)
	}
	if store.IsTerminal(exec.Status) {
		return exec.Status, nil
	}

	if exec.ContainerID != "" {
		if _, err := e.driver.Stop(ctx, exec.ContainerID); err != nil {
			log.Printf("execengine: stop container for %s: %v (non-fatal)", executionID, err)
		}
	}

	ok, err := e.store.UpdateExecutionStatus(ctx, tenantID, executionID, "cancelled", 0, exec.Stdout, exec.Stderr, "stopped by request", exec.Version)
	if err != nil {
		return "", fmt.Errorf("update execution status: %w", err)
	}
	if !ok {
		// Lost race with a concurrent terminal write; re-read to report
		// the state that actually won.
		cur, _ := e.store.GetExecution(ctx, tenantID, executionID)
		if cur != nil {
			return cur.Status, nil
		}
		return "", fmt.Errorf("execution %s vanished mid-stop", executionID)
	}

	e.releasePort(ctx, exec.Port)
	observability.ActiveExecutions.Dec()
	e.reactivateTaskIfIdle(ctx, tenantID, exec.TaskID)
	return "cancelled", nil
}

func (e *Engine) fail(ctx context.Context, tenantID, executionID, containerID, reason string) {
	if containerID != "" {
		_ = e.driver.Remove(ctx, containerID)
	}
	exec, err := e.store.GetExecution(ctx, tenantID, executionID)
	if err != nil || exec == nil {
		log.Printf("execengine: fail(%s): could not re-read execution: %v", executionID, err)
		return
	}
	if store.IsTerminal(exec.Status) {
		return
	}
	if _, err := e.store.UpdateExecutionStatus(ctx, tenantID, executionID, "failed", -1, exec.Stdout, exec.Stderr, reason, exec.Version); err != nil {
		log.Printf("execengine: fail(%s): status write error: %v", executionID, err)
	} else {
		e.reactivateTaskIfIdle(ctx, tenantID, exec.TaskID)
	}
	e.releasePort(ctx, exec.Port)
	_ = e.driver.PurgeConfig(ctx, executionID)
}

func (e *Engine) releasePort(ctx context.Context, port int) {
	if port > 0 {
		e.allocator.Release(ctx, port)
	}
}

// reportCircuitState publishes the breaker's current state as a gauge,
// resetting the other state labels to 0 so exactly one is ever set to 1.
func (e *Engine) reportCircuitState() {
	observability.SchedulerCircuitState.Reset()
	observability.SchedulerCircuitState.WithLabelValues(e.breaker.State().String()).Set(1)
}

// reactivateTaskIfIdle flips a task back from "running" to "active" once its
// most recent execution has resolved to a terminal state. Mirrors
// scheduleengine.Engine.hasNonTerminalExecution's "most recent execution"
// check; best-effort, since the execution's own terminal write already
// succeeded and must not be rolled back by a task-status failure here.
func (e *Engine) reactivateTaskIfIdle(ctx context.Context, tenantID, taskID string) {
	recent, err := e.store.ListExecutions(ctx, tenantID, taskID, 1)
	if err != nil {
		log.Printf("execengine: reactivate check for task %s: %v", taskID, err)
		return
	}
	if len(recent) > 0 && !store.IsTerminal(recent[0].Status) {
		return
	}
	if err := e.store.UpdateTaskStatus(ctx, tenantID, taskID, "active"); err != nil {
		log.Printf("execengine: reactivate task %s: %v", taskID, err)
	}
}

func validateTask(t *store.Task) error {
	if t == nil {
		return fmt.Errorf("nil task snapshot")
	}
	if t.Image == "" {
		return fmt.Errorf("task %s has no image", t.TaskID)
	}
	if !allowedTaskTypes[t.Type] {
		return fmt.Errorf("task %s has unrecognised type %q", t.TaskID, t.Type)
	}
	return nil
}

func (e *Engine) writeLocalConfig(executionID string, task *store.Task) (string, error) {
	payload := map[string]interface{}{
		"task_id":      task.TaskID,
		"execution_id": executionID,
		"command":      task.Command,
		"env":          task.Env,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.cfg.StageDir, fmt.Sprintf("%s-config.json", executionID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
