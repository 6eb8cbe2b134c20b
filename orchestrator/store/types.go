package store

import "time"

// Task is a registered data-collection job definition: the target, how to
// run it, and how it should be triggered.
type Task struct {
	TaskID      string            `json:"task_id" db:"task_id"`
	TenantID    string            `json:"tenant_id" db:"tenant_id"`
	Name        string            `json:"name" db:"name"`
	Type        string            `json:"type" db:"type"` // "container-crawl", "api-pull", "db-extract"
	Image       string            `json:"image" db:"image"`
	Command     []string          `json:"command" db:"command"`
	Env         map[string]string `json:"env" db:"env"`
	HostID      string            `json:"host_id" db:"host_id"`
	Status      string            `json:"status" db:"status"` // "active", "paused", "running"
	MaxRuntime  time.Duration     `json:"max_runtime" db:"max_runtime"`
	Concurrency int               `json:"concurrency" db:"concurrency"` // max simultaneous executions, usually 1
	TriggerMode string            `json:"trigger_mode" db:"trigger_mode"` // "manual" or "auto"; auto requires exactly one non-deleted Schedule
	Deleted     bool              `json:"deleted" db:"deleted"`           // soft-delete flag; cascades to the task's schedules
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
	Metadata    map[string]string `json:"metadata" db:"metadata"`
}

// Schedule binds a Task to a recurrence rule.
type Schedule struct {
	ScheduleID        string     `json:"schedule_id" db:"schedule_id"`
	TaskID            string     `json:"task_id" db:"task_id"`
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	Type              string     `json:"type" db:"type"` // "immediate", "once_at", "interval", "daily", "weekly", "monthly", "cron"
	Spec              string     `json:"spec" db:"spec"` // JSON-encoded config object; shape depends on Type (see scheduleengine/nextfire.go)
	Enabled           bool       `json:"enabled" db:"enabled"`
	NextFireAt        time.Time  `json:"next_fire_at" db:"next_fire_at"`
	LastFiredAt       *time.Time `json:"last_fired_at" db:"last_fired_at"`
	ConsecutiveFailed int        `json:"consecutive_failed" db:"consecutive_failed"`
	Deleted           bool       `json:"deleted" db:"deleted"` // soft-delete; set when the owning task is deleted or re-scheduled
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	Version           int        `json:"version" db:"version"` // optimistic concurrency on NextFireAt/Enabled writes
}

// Execution is one concrete run of a Task, whether fired by a Schedule or
// started on demand.
type Execution struct {
	ExecutionID   string     `json:"execution_id" db:"execution_id"`
	TaskID        string     `json:"task_id" db:"task_id"`
	ScheduleID    string     `json:"schedule_id" db:"schedule_id"` // empty for on-demand runs
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	HostID        string     `json:"host_id" db:"host_id"`
	ContainerID   string     `json:"container_id" db:"container_id"`
	Port          int        `json:"port" db:"port"`
	Command       string     `json:"command" db:"command"` // rendered container command, for audit
	Status        string     `json:"status" db:"status"`   // "pending", "running", "success", "failed", "cancelled"
	ExitCode      int        `json:"exit_code" db:"exit_code"`
	Stdout        string     `json:"stdout" db:"stdout"`
	Stderr        string     `json:"stderr" db:"stderr"`
	Error         string     `json:"error" db:"error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	StartedAt     *time.Time `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat" db:"last_heartbeat"` // best-effort, last-writer-wins; authoritative staleness check is cache-backed (see reconciler.HeartbeatCache)
	Version       int        `json:"version" db:"version"`               // optimistic concurrency, terminal-state monotonicity guard
	TraceID       string     `json:"trace_id" db:"trace_id"`
}

// TimelineEvent is an audit log entry for one execution's lifecycle.
type TimelineEvent struct {
	EventID     string            `json:"event_id" db:"event_id"`
	ExecutionID string            `json:"execution_id" db:"execution_id"`
	TraceID     string            `json:"trace_id" db:"trace_id"`
	Stage       string            `json:"stage" db:"stage"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
	Metadata    map[string]string `json:"metadata" db:"metadata"`
}

// IsTerminal reports whether a status represents a finished execution.
func IsTerminal(status string) bool {
	switch status {
	case "success", "failed", "cancelled":
		return true
	default:
		return false
	}
}
