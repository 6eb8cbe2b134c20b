// Package reconciler sweeps running executions and terminally resolves any
// whose owning container is no longer healthy or whose heartbeat has gone
// stale, independently of whether the container ever calls back (C7).
package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/hostdriver"
	"github.com/itskum47/harvestctl/orchestrator/leaderlease"
	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/portalloc"
	"github.com/itskum47/harvestctl/orchestrator/store"
	"github.com/itskum47/harvestctl/orchestrator/timeline"
)

// SweepInterval is the reconcile cadence.
const SweepInterval = 30 * time.Second

// LeaseTTL is the reconciler leader lease duration.
const LeaseTTL = 120 * time.Second

// maxConcurrentChecks bounds how many executions are inspected in parallel
// within a single pass.
const maxConcurrentChecks = 16

// HeartbeatCache is the subset of the ephemeral cache the reconciler needs:
// last-heartbeat lookup and the consecutive-miss counter used against
// K_to. RedisStore implements this; it is kept as a narrow interface here
// (rather than folded into store.Store) since Postgres deployments have no
// cache-backed heartbeat tracking of their own.
type HeartbeatCache interface {
	GetHeartbeat(ctx context.Context, executionID string) (time.Time, error)
	IncrMissedHeartbeat(ctx context.Context, executionID string, ttl time.Duration) (int64, error)
	ClearMissedHeartbeat(ctx context.Context, executionID string) error
}

// Config tunes reconciler tolerances.
type Config struct {
	HeartbeatTimeout   time.Duration // T_hb, default 300s
	MissedHeartbeatMax int64         // K_to, default 3
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 300 * time.Second
	}
	if c.MissedHeartbeatMax <= 0 {
		c.MissedHeartbeatMax = 3
	}
	return c
}

// Reconciler periodically sweeps running executions for liveness.
type Reconciler struct {
	store     store.Store
	driver    hostdriver.Driver
	allocator *portalloc.Allocator
	cache     HeartbeatCache
	timeline  *timeline.Store
	cfg       Config

	elector *leaderlease.Elector
}

// New constructs a Reconciler under a leader lease keyed on
// store.ReconcilerLeaderKey.
func New(s store.Store, c store.Coordinator, driver hostdriver.Driver, allocator *portalloc.Allocator, cache HeartbeatCache, tl *timeline.Store, holderID string, cfg Config) *Reconciler {
	r := &Reconciler{
		store:     s,
		driver:    driver,
		allocator: allocator,
		cache:     cache,
		timeline:  tl,
		cfg:       cfg.withDefaults(),
	}
	r.elector = leaderlease.New(c, store.ReconcilerLeaderKey, holderID, LeaseTTL)
	return r
}

// Run drives the leader-lease loop; while leader, sweeps every
// SweepInterval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.elector.SetCallbacks(r.runSweepLoop, func() {
		log.Println("reconciler: stepped down, sweep loop stopping")
	})
	r.elector.Run(ctx)
}

func (r *Reconciler) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconcile pass over every running execution, shard 0 of 1
// (single-reconciler deployments; a sharded deployment would run several
// Reconcilers with distinct shardIndex/shardCount against the same store).
// Exported so tests can drive a pass directly without the ticker loop.
func (r *Reconciler) Sweep(ctx context.Context) {
	running, err := r.store.ListExecutionsByStatus(ctx, "running", 0, 1)
	if err != nil {
		log.Printf("reconciler: list running executions: %v", err)
		return
	}

	sem := make(chan struct{}, maxConcurrentChecks)
	var wg sync.WaitGroup
	for _, exec := range running {
		exec := exec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.checkOne(ctx, exec)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) checkOne(ctx context.Context, exec *store.Execution) {
	r.record(exec.ExecutionID, "OBSERVED", exec.TenantID, exec.HostID, nil)

	if r.checkMaxRuntime(ctx, exec) {
		return
	}

	if exec.ContainerID == "" {
		// Never got far enough to have a container id; nothing to inspect,
		// fall straight through to the heartbeat check below.
		r.checkHeartbeat(ctx, exec)
		return
	}

	insp, err := r.driver.Inspect(ctx, exec.ContainerID)
	if err != nil {
		// Timeout or transport error: treat as "unknown", retry next pass.
		log.Printf("reconciler: inspect %s (%s): %v", exec.ExecutionID, exec.ContainerID, err)
		return
	}

	if !insp.Exists {
		r.record(exec.ExecutionID, "CONTAINER_MISSING", exec.TenantID, exec.HostID, nil)
		r.resolve(ctx, exec, "failed", -1, "container missing")
		return
	}

	if !insp.Running {
		if insp.ExitCode == 0 {
			r.resolve(ctx, exec, "success", 0, "container exited cleanly without completion callback")
		} else {
			r.resolve(ctx, exec, "failed", insp.ExitCode, fmt.Sprintf("container exited with status %q", insp.Status))
		}
		return
	}

	r.checkHeartbeat(ctx, exec)
}

// checkMaxRuntime resolves exec as failed once its owning task's MaxRuntime
// has elapsed since start. Reports true if it resolved the execution, so
// checkOne skips its remaining (now pointless) checks this pass.
func (r *Reconciler) checkMaxRuntime(ctx context.Context, exec *store.Execution) bool {
	task, err := r.store.GetTask(ctx, exec.TenantID, exec.TaskID)
	if err != nil || task == nil || task.MaxRuntime <= 0 {
		return false
	}
	startedAt := exec.CreatedAt
	if exec.StartedAt != nil {
		startedAt = *exec.StartedAt
	}
	if time.Since(startedAt) <= task.MaxRuntime {
		return false
	}
	observability.ExecutionTimeouts.WithLabelValues(exec.ExecutionID, "running", "max_runtime_exceeded").Inc()
	r.record(exec.ExecutionID, "MAX_RUNTIME_EXCEEDED", exec.TenantID, exec.HostID, nil)
	r.resolve(ctx, exec, "failed", -1, "max runtime exceeded")
	return true
}

func (r *Reconciler) checkHeartbeat(ctx context.Context, exec *store.Execution) {
	if r.cache == nil {
		return
	}
	now := time.Now()
	startedAt := exec.CreatedAt
	if exec.StartedAt != nil {
		startedAt = *exec.StartedAt
	}

	last, err := r.cache.GetHeartbeat(ctx, exec.ExecutionID)
	if err != nil {
		log.Printf("reconciler: get heartbeat %s: %v", exec.ExecutionID, err)
		return
	}

	if last.IsZero() {
		if now.Sub(startedAt) > r.cfg.HeartbeatTimeout {
			r.resolve(ctx, exec, "failed", -1, "never reported heartbeat")
		}
		return
	}

	if now.Sub(last) <= r.cfg.HeartbeatTimeout {
		_ = r.cache.ClearMissedHeartbeat(ctx, exec.ExecutionID)
		return
	}

	missed, err := r.cache.IncrMissedHeartbeat(ctx, exec.ExecutionID, 2*r.cfg.HeartbeatTimeout)
	if err != nil {
		log.Printf("reconciler: incr missed heartbeat %s: %v", exec.ExecutionID, err)
		return
	}
	if missed >= r.cfg.MissedHeartbeatMax {
		r.record(exec.ExecutionID, "HEARTBEAT_LOST", exec.TenantID, exec.HostID, nil)
		r.resolve(ctx, exec, "failed", -1, "heartbeat lost")
	}
}

// resolve performs the terminal write, guarded by CAS on the execution's
// current version so a terminal row is never reverted, then best-effort
// stops the container, releases the port, and purges staged config.
func (r *Reconciler) resolve(ctx context.Context, exec *store.Execution, status string, exitCode int, reason string) {
	cur, err := r.store.GetExecution(ctx, exec.TenantID, exec.ExecutionID)
	if err != nil || cur == nil {
		log.Printf("reconciler: re-read %s before resolving: %v", exec.ExecutionID, err)
		return
	}
	if store.IsTerminal(cur.Status) {
		return
	}

	ok, err := r.store.UpdateExecutionStatus(ctx, cur.TenantID, cur.ExecutionID, status, exitCode, cur.Stdout, cur.Stderr, reason, cur.Version)
	if err != nil {
		log.Printf("reconciler: update status %s: %v", exec.ExecutionID, err)
		return
	}
	if !ok {
		// Lost the race to a callback or another reconciler pass; whichever
		// terminal write landed first stands.
		return
	}

	action := "mark_failed"
	if status == "success" {
		action = "mark_success_silent"
	}
	if reason == "heartbeat lost" {
		action = "heartbeat_lost"
	}
	observability.ReconcilerActionsTotal.WithLabelValues(action).Inc()
	observability.ActiveExecutions.Dec()
	r.reactivateTaskIfIdle(ctx, cur.TenantID, cur.TaskID)

	if cur.ContainerID != "" {
		if _, err := r.driver.Stop(ctx, cur.ContainerID); err != nil {
			log.Printf("reconciler: best-effort stop %s (%s): %v", exec.ExecutionID, cur.ContainerID, err)
		}
	}
	if cur.Port > 0 {
		r.allocator.Release(ctx, cur.Port)
	}
	if err := r.driver.PurgeConfig(ctx, exec.ExecutionID); err != nil {
		log.Printf("reconciler: purge config %s: %v", exec.ExecutionID, err)
	}

	r.record(exec.ExecutionID, "TERMINAL_WRITTEN", cur.TenantID, cur.HostID, map[string]string{"status": status, "reason": reason})
}

// reactivateTaskIfIdle flips a task back from "running" to "active" once its
// most recent execution has resolved to a terminal state. Best-effort: the
// execution's own terminal write above already succeeded and must not be
// rolled back by a failure here.
func (r *Reconciler) reactivateTaskIfIdle(ctx context.Context, tenantID, taskID string) {
	recent, err := r.store.ListExecutions(ctx, tenantID, taskID, 1)
	if err != nil {
		log.Printf("reconciler: reactivate check for task %s: %v", taskID, err)
		return
	}
	if len(recent) > 0 && !store.IsTerminal(recent[0].Status) {
		return
	}
	if err := r.store.UpdateTaskStatus(ctx, tenantID, taskID, "active"); err != nil {
		log.Printf("reconciler: reactivate task %s: %v", taskID, err)
	}
}

func (r *Reconciler) record(executionID, stage, tenantID, hostID string, metadata map[string]string) {
	if r.timeline == nil {
		return
	}
	r.timeline.Record(timeline.ExecutionEvent{
		ExecutionID: executionID,
		Stage:       stage,
		Timestamp:   time.Now(),
		HostID:      hostID,
		TenantID:    tenantID,
		Metadata:    metadata,
	})
}
