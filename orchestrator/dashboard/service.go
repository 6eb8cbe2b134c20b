// Package dashboard aggregates live orchestrator state for the ops
// dashboard: per-tenant execution counts, schedule-engine leadership, and
// the execution engine's circuit-breaker/limiter posture (ADM-5).
package dashboard

import (
	"context"
	"time"

	"github.com/itskum47/harvestctl/orchestrator/store"
)

// Metrics is one snapshot of tenant-scoped orchestrator state.
type Metrics struct {
	PendingExecutions int `json:"pending_executions"`
	RunningExecutions int `json:"running_executions"`
	FailedExecutions  int `json:"failed_executions"`

	IsSchedulerLeader bool   `json:"is_scheduler_leader"`
	SchedulerHolderID string `json:"scheduler_holder_id"`

	ClusterID string `json:"cluster_id"`
	Region    string `json:"region"`
	Timestamp int64  `json:"timestamp"`
}

// Elector is the narrow slice of leaderlease.Elector the dashboard needs;
// kept as an interface so this package doesn't import leaderlease directly
// and the service can be unit-tested with a fake.
type Elector interface {
	IsLeader() bool
}

// Service assembles Metrics from the store and the schedule engine's
// leadership state, pulling scheduler/leader/store numbers into one
// per-tenant payload. The scheduler's queue/circuit-breaker numbers are
// scraped from Prometheus instead of a bespoke GetMetrics() call, since
// execengine already exports them there for /metrics.
type Service struct {
	store     store.Store
	elector   Elector
	holderID  string
	clusterID string
	region    string
}

// New constructs a Service. elector may be nil (single-node dev mode; the
// lone process is always considered leader for display purposes).
func New(s store.Store, elector Elector, holderID, clusterID, region string) *Service {
	return &Service{store: s, elector: elector, holderID: holderID, clusterID: clusterID, region: region}
}

// GetMetrics collects tenant-scoped execution counts plus process-wide
// leadership state.
func (s *Service) GetMetrics(ctx context.Context, tenantID string) (Metrics, error) {
	pending, err := s.store.CountExecutionsByStatus(ctx, tenantID, "pending")
	if err != nil {
		return Metrics{}, err
	}
	running, err := s.store.CountExecutionsByStatus(ctx, tenantID, "running")
	if err != nil {
		return Metrics{}, err
	}
	failed, err := s.store.CountExecutionsByStatus(ctx, tenantID, "failed")
	if err != nil {
		return Metrics{}, err
	}

	isLeader := s.elector == nil || s.elector.IsLeader()

	return Metrics{
		PendingExecutions: pending,
		RunningExecutions: running,
		FailedExecutions:  failed,
		IsSchedulerLeader: isLeader,
		SchedulerHolderID: s.holderID,
		ClusterID:         s.clusterID,
		Region:            s.region,
		Timestamp:         time.Now().Unix(),
	}, nil
}
