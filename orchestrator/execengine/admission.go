package execengine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// AdmissionMode is a manual kill switch over Admit, independent of the
// circuit breaker's automatic per-host failure detection: operators flip
// this during planned maintenance or a suspected schedule storm, where the
// problem isn't one unhealthy host but "stop starting new containers
// entirely for a while". Modelled on the teacher's scheduler AdmissionMode
// (control_plane/scheduler/scheduler.go), narrowed to the two states this
// engine actually needs; the teacher's wider mode set folds leadership and
// read-only API concerns that belong to scheduleengine and controlapi, not
// here.
type AdmissionMode int

const (
	// AdmissionNormal admits anything that clears the circuit breaker and
	// queue-capacity checks.
	AdmissionNormal AdmissionMode = iota
	// AdmissionDrain lets already-queued and in-flight work finish but
	// rejects new starts.
	AdmissionDrain
	// AdmissionFreeze rejects every new start immediately.
	AdmissionFreeze
)

func (m AdmissionMode) String() string {
	switch m {
	case AdmissionDrain:
		return "drain"
	case AdmissionFreeze:
		return "freeze"
	default:
		return "normal"
	}
}

const (
	defaultQueueCapacity = 256
	defaultWorkerCount   = 8
	dispatchPollInterval = 200 * time.Millisecond
)

// SetAdmissionMode switches the engine's admission mode. Safe for
// concurrent use; takes effect on the next Admit call.
func (e *Engine) SetAdmissionMode(mode AdmissionMode) {
	e.mu.Lock()
	e.admissionMode = mode
	e.mu.Unlock()
	observability.SchedulerModeMetric.Reset()
	observability.SchedulerModeMetric.WithLabelValues(mode.String()).Set(1)
}

func (e *Engine) getAdmissionMode() AdmissionMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admissionMode
}

// Admit implements scheduleengine.Admitter. It runs the admission gauntlet
// (mode check, circuit breaker, queue capacity) and, on acceptance, queues
// the request for the worker pool; it never blocks the scheduler tick on
// container-start latency. Unlike the teacher's Submit, there is no
// leadership or shard check here: execengine has no leader-election concept
// of its own (that lives in scheduleengine, which already only calls Admit
// while holding the scheduler lease) and no multi-instance shard
// coordination to gate against.
func (e *Engine) Admit(ctx context.Context, executionID string, task *store.Task) {
	mode := e.getAdmissionMode()
	if mode != AdmissionNormal {
		observability.SchedulerRejections.WithLabelValues("admission_mode_" + mode.String()).Inc()
		log.Printf("execengine: admit %s rejected: admission mode %s", executionID, mode)
		return
	}

	if e.breaker.State() == CircuitOpen {
		observability.SchedulerRejections.WithLabelValues("circuit_open").Inc()
		log.Printf("execengine: admit %s rejected: circuit breaker open", executionID)
		return
	}

	req := &admissionRequest{
		tenantID:    task.TenantID,
		executionID: executionID,
		task:        task,
		queuedAt:    time.Now(),
	}
	if !e.queue.Push(req) {
		observability.SchedulerRejections.WithLabelValues("queue_full").Inc()
		log.Printf("execengine: admit %s rejected: admission queue full", executionID)
		return
	}

	observability.AdmissionDecisions.WithLabelValues("accepted", "").Inc()
	observability.QueueDepth.WithLabelValues("default").Set(float64(e.queue.Len()))

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run starts the worker pool that drains the admission queue until ctx is
// cancelled. Call once at process startup alongside scheduleengine.Run and
// reconciler.Run.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < defaultWorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

// workerLoop wakes on a new admission or the poll tick, whichever comes
// first, and drains one request per wake. The poll tick exists so a worker
// that missed a wake signal (all workers busy when it fired) still makes
// progress.
func (e *Engine) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.dispatchNext(ctx)
		case <-ticker.C:
			observability.QueueOldestTaskAge.WithLabelValues("all", "default").Set(e.queue.OldestAge().Seconds())
			e.dispatchNext(ctx)
		}
	}
}

// dispatchNext pops one request and starts it, recovering from any panic in
// Start so a single bad task snapshot cannot take down a worker goroutine.
func (e *Engine) dispatchNext(ctx context.Context) {
	req := e.queue.Pop()
	if req == nil {
		return
	}
	observability.QueueDepth.WithLabelValues("default").Set(float64(e.queue.Len()))
	observability.SchedulerAdmissionWaitSeconds.Observe(time.Since(req.queuedAt).Seconds())

	busy := atomic.AddInt32(&e.busyWorkers, 1)
	observability.SchedulerWorkerSaturation.Set(float64(busy) / float64(defaultWorkerCount))

	loopStart := time.Now()
	defer func() {
		observability.AdmissionLoopDuration.Observe(time.Since(loopStart).Seconds())
		busy := atomic.AddInt32(&e.busyWorkers, -1)
		observability.SchedulerWorkerSaturation.Set(float64(busy) / float64(defaultWorkerCount))
		if r := recover(); r != nil {
			log.Printf("execengine: dispatch %s panicked: %v", req.executionID, r)
			e.fail(context.Background(), req.tenantID, req.executionID, "", "internal: dispatch panic")
		}
	}()

	bg := context.Background()
	if _, err := e.Start(bg, req.tenantID, req.executionID, req.task); err != nil {
		log.Printf("execengine: start %s: %v", req.executionID, err)
	}
}
