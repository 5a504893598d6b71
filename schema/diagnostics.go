package schema

import "time"

// ErrorType classifies container failures.
type ErrorType string

const (
	ErrorExitCode ErrorType = "exit_code"
	ErrorTimeout  ErrorType = "timeout"
	ErrorSpawn    ErrorType = "spawn_error"
	ErrorParse    ErrorType = "parse_error"
)

// RunOutcome is the status recorded for a finished run.
type RunOutcome string

const (
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomeError   RunOutcome = "error"
	RunOutcomeTimeout RunOutcome = "timeout"
)

// ActiveContainer describes a running container.
type ActiveContainer struct {
	GroupFolder   GroupFolder `json:"groupFolder"`
	GroupName     string      `json:"groupName"`
	PID           int         `json:"pid"`
	StartedAt     time.Time   `json:"startedAt"`
	ElapsedMS     int64       `json:"elapsedMs"`
	PromptPreview string      `json:"promptPreview"`
}

// RecentRun is a finished container run.
type RecentRun struct {
	GroupFolder  GroupFolder `json:"groupFolder"`
	GroupName    string      `json:"groupName"`
	StartedAt    time.Time   `json:"startedAt"`
	DurationMS   int64       `json:"durationMs"`
	Status       RunOutcome  `json:"status"`
	ErrorSummary string      `json:"errorSummary,omitempty"`
}

// RecentError is a classified container failure.
type RecentError struct {
	GroupFolder GroupFolder `json:"groupFolder"`
	Timestamp   time.Time   `json:"timestamp"`
	Error       string      `json:"error"`
	Type        ErrorType   `json:"type"`
}

// ContainerSnapshot is a point-in-time copy of the run tracker.
type ContainerSnapshot struct {
	Active []ActiveContainer `json:"active"`
	Recent []RecentRun       `json:"recent"`
	Errors []RecentError     `json:"errors"`
}

// DiagnosticsSnapshot is written to diagnostics.json for privileged tenants.
type DiagnosticsSnapshot struct {
	Timestamp  time.Time          `json:"timestamp"`
	Process    ProcessDiagnostics `json:"process"`
	Containers struct {
		Active []ActiveContainer `json:"active"`
		Recent []RecentRun       `json:"recent"`
	} `json:"containers"`
	Messaging MessagingDiagnostics `json:"messaging"`
	Errors    struct {
		RecentContainerErrors []RecentError `json:"recent_container_errors"`
		LastErrorAt           *time.Time    `json:"last_error_at"`
	} `json:"errors"`
}

// ProcessDiagnostics describes the host process.
type ProcessDiagnostics struct {
	UptimeMS  int64     `json:"uptime_ms"`
	MemoryMB  float64   `json:"memory_mb"`
	GoVersion string    `json:"go_version"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// MessagingDiagnostics describes chat-side state.
type MessagingDiagnostics struct {
	LastMessageProcessed  *time.Time `json:"last_message_processed"`
	RegisteredGroupsCount int        `json:"registered_groups_count"`
	TransportConnected    bool       `json:"transport_connected"`
}
