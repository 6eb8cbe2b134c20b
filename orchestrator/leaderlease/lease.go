// Package leaderlease gives a cadence-driven loop (schedule engine tick,
// reconciler sweep) exclusive ownership across a replica set, backed by the
// ephemeral cache's lease primitive.
package leaderlease

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/observability"
	"github.com/itskum47/harvestctl/orchestrator/store"
)

// Elector holds (or contends for) a single named lease and runs callbacks on
// acquire/lose transitions. One Elector per lease key.
type Elector struct {
	coordinator store.Coordinator
	holderID    string
	key         string
	ttl         time.Duration

	onAcquired func(ctx context.Context)
	onLost     func()

	mu        sync.RWMutex
	isLeader  bool
	leaderCtx context.Context
	cancel    context.CancelFunc
}

// New creates an Elector for lockKey. holderID identifies this process
// instance in lock metadata (logging only, not used for fencing).
func New(c store.Coordinator, lockKey, holderID string, ttl time.Duration) *Elector {
	return &Elector{
		coordinator: c,
		holderID:    holderID,
		key:         lockKey,
		ttl:         ttl,
	}
}

// SetCallbacks registers the acquire/lose hooks. onAcquired receives a
// context that is cancelled the moment this replica steps down.
func (e *Elector) SetCallbacks(onAcquired func(ctx context.Context), onLost func()) {
	e.onAcquired = onAcquired
	e.onLost = onLost
}

// IsLeader reports current ownership, best-effort (may be stale by up to one
// renew interval).
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Run drives the acquire/renew loop until ctx is cancelled. Renew cadence is
// ttl/3, matching the teacher's leader elector.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.stepDown()
			}
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.IsLeader() {
		renewed, err := e.coordinator.RenewLease(ctx, e.key, e.holderID, e.ttl)
		if err != nil {
			log.Printf("leaderlease[%s]: renew error, stepping down defensively: %v", e.key, err)
			e.stepDown()
			return
		}
		if !renewed {
			log.Printf("leaderlease[%s]: lease lost to another holder", e.key)
			e.stepDown()
		}
		return
	}

	acquired, err := e.coordinator.AcquireLease(ctx, e.key, e.holderID, e.ttl)
	if err != nil {
		log.Printf("leaderlease[%s]: acquire error: %v", e.key, err)
		return
	}
	if acquired {
		e.becomeLeader()
	}
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	e.isLeader = true
	e.leaderCtx, e.cancel = context.WithCancel(context.Background())
	ctx := e.leaderCtx
	e.mu.Unlock()

	log.Printf("leaderlease[%s]: acquired by %s", e.key, e.holderID)
	observability.LeadershipTransitions.WithLabelValues(e.holderID, "acquired:"+e.key).Inc()
	if e.onAcquired != nil {
		go e.onAcquired(ctx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	log.Printf("leaderlease[%s]: stepped down by %s", e.key, e.holderID)
	observability.LeadershipTransitions.WithLabelValues(e.holderID, "lost:"+e.key).Inc()
	if e.onLost != nil {
		e.onLost()
	}
}
