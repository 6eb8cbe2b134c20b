// Package scheduleengine is the durable, leader-elected loop that advances
// each active schedule's next-fire timestamp and admits tasks to the
// execution engine (C5 in the design).
package scheduleengine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/leaderlease"
	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// TickInterval is the scan cadence; 60s matches the finest cron granularity.
const TickInterval = 60 * time.Second

// LeaseTTL is the leader lease duration, refreshed every TickInterval/2 by
// the underlying leaderlease.Elector loop (ttl/3 cadence).
const LeaseTTL = 120 * time.Second

// maxConsecutiveFailures auto-disables a schedule whose task's last N
// executions were all failed (the scheduler's sole value judgement).
const maxConsecutiveFailures = 3

// dueBatchSize bounds a single tick's scan.
const dueBatchSize = 500

// Admitter is the execution engine's admission entry point. taskSnapshot is
// the owning task as re-read at fire time, frozen against later edits.
// Engine.Start implements this signature; kept as an interface to avoid an
// import cycle and to make the scheduler unit-testable with a fake.
type Admitter interface {
	Admit(ctx context.Context, executionID string, taskSnapshot *store.Task)
}

// Engine runs the scheduler tick loop under a leader lease.
type Engine struct {
	store       store.Store
	coordinator store.Coordinator
	admitter    Admitter
	holderID    string

	elector *leaderlease.Elector
}

// New constructs an Engine. holderID identifies this process for lock
// metadata/logging (e.g. hostname-pid).
func New(s store.Store, c store.Coordinator, admitter Admitter, holderID string) *Engine {
	e := &Engine{store: s, coordinator: c, admitter: admitter, holderID: holderID}
	e.elector = leaderlease.New(c, store.SchedulerLeaderKey, holderID, LeaseTTL)
	return e
}

// IsLeader reports whether this replica currently holds the scheduler
// leader lease. Satisfies dashboard.Elector.
func (e *Engine) IsLeader() bool {
	return e.elector.IsLeader()
}

// Run drives the leader-lease loop and, while leader, ticks every
// TickInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.elector.SetCallbacks(e.runTickLoop, func() {
		log.Println("scheduleengine: stepped down, tick loop stopping")
	})
	e.elector.Run(ctx)
}

func (e *Engine) runTickLoop(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				log.Printf("scheduleengine: tick error: %v", err)
			}
		}
	}
}

// Tick runs one idempotent scan. Safe to call directly in tests without
// going through the leader-lease loop.
func (e *Engine) Tick(ctx context.Context) error {
	now := time.Now()
	due, err := e.store.ListDueSchedules(ctx, now.Unix(), 0, 1)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(due) > dueBatchSize {
		due = due[:dueBatchSize]
	}

	for _, sc := range due {
		e.fireOne(ctx, sc, now)
	}
	observability.DBPendingSchedules.WithLabelValues("all").Set(float64(len(due)))
	return nil
}

func (e *Engine) fireOne(ctx context.Context, sc *store.Schedule, now time.Time) {
	task, err := e.store.GetTask(ctx, sc.TenantID, sc.TaskID)
	if err != nil {
		log.Printf("scheduleengine: get task %s: %v", sc.TaskID, err)
		return
	}
	if task == nil || task.Status == "running" {
		return
	}

	if e.shouldAutoDisable(ctx, sc) {
		ok, err := e.store.UpdateScheduleFire(ctx, sc.TenantID, sc.ScheduleID, sc.Version, 0, sc.ConsecutiveFailed, false)
		if err != nil {
			log.Printf("scheduleengine: auto-disable schedule %s: %v", sc.ScheduleID, err)
			return
		}
		if ok {
			log.Printf("scheduleengine: schedule %s auto-disabled after %d consecutive failures", sc.ScheduleID, maxConsecutiveFailures)
		}
		return
	}

	if e.hasNonTerminalExecution(ctx, sc.TenantID, sc.TaskID) {
		return
	}

	executionID := fmt.Sprintf("sched-%d-%s", now.Unix(), shortID(sc.TaskID))
	execution := &store.Execution{
		ExecutionID: executionID,
		TaskID:      sc.TaskID,
		ScheduleID:  sc.ScheduleID,
		TenantID:    sc.TenantID,
		Status:      "pending",
		CreatedAt:   now,
	}
	if err := e.store.CreateExecution(ctx, sc.TenantID, execution); err != nil {
		log.Printf("scheduleengine: create execution for schedule %s: %v", sc.ScheduleID, err)
		return
	}

	next, err := RecomputeNext(sc.Type, sc.Spec, now)
	if err != nil {
		log.Printf("scheduleengine: recompute-next for schedule %s: %v", sc.ScheduleID, err)
		return
	}
	enabled := sc.Enabled
	var nextUnix int64
	if next == nil {
		enabled = false // never fires again (e.g. exhausted once_at)
	} else {
		nextUnix = next.Unix()
	}
	if sc.Type == "once_at" {
		enabled = false
	}

	ok, err := e.store.UpdateScheduleFire(ctx, sc.TenantID, sc.ScheduleID, sc.Version, nextUnix, sc.ConsecutiveFailed, enabled)
	if err != nil {
		log.Printf("scheduleengine: update schedule fire %s: %v", sc.ScheduleID, err)
		return
	}
	if !ok {
		// lost the race to another tick (leadership flap); the execution
		// row we just created still stands, it will simply be picked up
		// once, not twice.
		log.Printf("scheduleengine: schedule %s fire update lost a version race", sc.ScheduleID)
		return
	}

	e.admitter.Admit(ctx, executionID, task)
}

// shouldAutoDisable applies the "last three executions all failed" policy.
func (e *Engine) shouldAutoDisable(ctx context.Context, sc *store.Schedule) bool {
	recent, err := e.store.ListExecutions(ctx, sc.TenantID, sc.TaskID, maxConsecutiveFailures)
	if err != nil || len(recent) < maxConsecutiveFailures {
		return false
	}
	for _, ex := range recent {
		if ex.Status != "failed" {
			return false
		}
	}
	return true
}

func (e *Engine) hasNonTerminalExecution(ctx context.Context, tenantID, taskID string) bool {
	recent, err := e.store.ListExecutions(ctx, tenantID, taskID, 1)
	if err != nil || len(recent) == 0 {
		return false
	}
	return !store.IsTerminal(recent[0].Status)
}

func shortID(taskID string) string {
	if len(taskID) <= 8 {
		return taskID
	}
	return taskID[:8]
}
