package callback

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/store"
)

func TestAsyncHeartbeatWriterDrainsSubmittedUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemoryStore()
	exec := &store.Execution{ExecutionID: "exec-1", TaskID: "task-1", Status: "running", CreatedAt: time.Now()}
	if err := s.CreateExecution(ctx, "tenant-1", exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	w := NewAsyncHeartbeatWriter(s, 1)
	go w.Run(ctx)

	at := time.Now()
	w.Submit("tenant-1", "exec-1", at)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetExecution(ctx, "tenant-1", "exec-1")
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if got.LastHeartbeat != nil {
			cancel()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	t.Fatal("timed out waiting for async heartbeat write to land")
}

func TestAsyncHeartbeatWriterSubmitNeverBlocksOnFullQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewMemoryStore()

	// No workers draining: fill the queue past capacity and confirm Submit
	// returns instead of blocking, dropping the oldest pending entry.
	w := &AsyncHeartbeatWriter{store: s, queue: make(chan heartbeatUpdate, 2), workers: 1}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			w.Submit("tenant-1", "exec-x", time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}
