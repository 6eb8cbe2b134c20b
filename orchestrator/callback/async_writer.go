package callback

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/store"
)

// heartbeatUpdateQueueSize bounds in-flight heartbeat store writes; an HTTP
// response never waits on this queue.
const heartbeatUpdateQueueSize = 1024

type heartbeatUpdate struct {
	tenantID    string
	executionID string
	at          time.Time
}

// AsyncHeartbeatWriter drains heartbeat store writes on a small worker pool
// so the callback endpoint's response never waits on store I/O. When the
// queue is full, the oldest pending update is dropped in favour of the
// newest one (store freshness matters more than completeness; last-writer-
// wins on last-heartbeat is the documented contract, §5).
type AsyncHeartbeatWriter struct {
	store   store.Store
	queue   chan heartbeatUpdate
	workers int
}

// NewAsyncHeartbeatWriter starts workers goroutines draining the queue.
func NewAsyncHeartbeatWriter(s store.Store, workers int) *AsyncHeartbeatWriter {
	if workers <= 0 {
		workers = 2
	}
	w := &AsyncHeartbeatWriter{
		store:   s,
		queue:   make(chan heartbeatUpdate, heartbeatUpdateQueueSize),
		workers: workers,
	}
	return w
}

// Run starts the drain workers; blocks until ctx is cancelled.
func (w *AsyncHeartbeatWriter) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < w.workers; i++ {
		go w.drain(ctx, done)
	}
	<-ctx.Done()
	for i := 0; i < w.workers; i++ {
		<-done
	}
}

func (w *AsyncHeartbeatWriter) drain(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-w.queue:
			if err := w.store.UpdateExecutionHeartbeat(ctx, u.tenantID, u.executionID, u.at); err != nil {
				log.Printf("callback: async heartbeat write for %s: %v", u.executionID, err)
			}
		}
	}
}

// Submit enqueues a heartbeat update, never blocking the caller. On a full
// queue it drops the oldest pending entry and enqueues the new one.
func (w *AsyncHeartbeatWriter) Submit(tenantID, executionID string, at time.Time) {
	u := heartbeatUpdate{tenantID: tenantID, executionID: executionID, at: at}
	select {
	case w.queue <- u:
		return
	default:
	}
	select {
	case <-w.queue:
	default:
	}
	select {
	case w.queue <- u:
	default:
		// Lost the race against another producer; drop silently, the next
		// heartbeat will land within T_hb anyway.
	}
}
