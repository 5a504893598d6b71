package schema

import "time"

// ScheduleType selects how a task recurs.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode selects whether a task resumes the tenant session.
type ContextMode string

const (
	// ContextGroup reuses the tenant's current agent session.
	ContextGroup ContextMode = "group"
	// ContextIsolated starts a fresh agent session on every run.
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a recurring or one-shot agent invocation.
type ScheduledTask struct {
	ID            TaskID       `json:"id"`
	GroupFolder   GroupFolder  `json:"groupFolder"`
	ChatJID       ChatJID      `json:"chatJid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	NextRun       *time.Time   `json:"next_run"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	LastResult    string       `json:"last_result,omitempty"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// TaskUpdate lists task fields to change; nil fields are left as is.
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *ScheduleType
	ScheduleValue *string
	NextRun       *time.Time
	Status        *TaskStatus
}

// RunStatus is the outcome of a single task run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRunLog records one task execution.
type TaskRunLog struct {
	TaskID     TaskID    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMS int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TaskSnapshot is the task view written for agents to read.
type TaskSnapshot struct {
	ID            TaskID       `json:"id"`
	GroupFolder   GroupFolder  `json:"groupFolder"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"next_run"`
}
