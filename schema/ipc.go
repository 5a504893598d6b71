package schema

// IPCType discriminates mailbox requests.
type IPCType string

const (
	IPCMessage            IPCType = "message"
	IPCFile               IPCType = "file"
	IPCScheduleTask       IPCType = "schedule_task"
	IPCPauseTask          IPCType = "pause_task"
	IPCResumeTask         IPCType = "resume_task"
	IPCCancelTask         IPCType = "cancel_task"
	IPCRefreshGroups      IPCType = "refresh_groups"
	IPCRegisterGroup      IPCType = "register_group"
	IPCDenyDM             IPCType = "deny_dm"
	IPCRequestGoogleOAuth IPCType = "request_google_oauth"
	IPCRefreshDiagnostics IPCType = "refresh_diagnostics"
	IPCKillContainer      IPCType = "kill_container"
	IPCRestartService     IPCType = "restart_service"
)

// IPCRequest is a mailbox file written by a sandboxed agent.
// GroupFolder is a requested target only; the sender is always the
// mailbox directory the file was found in.
type IPCRequest struct {
	Type      IPCType `json:"type"`
	Timestamp string  `json:"timestamp,omitempty"`

	ChatJID ChatJID `json:"chatJid,omitempty"`
	Text    string  `json:"text,omitempty"`

	FilePath string `json:"filePath,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`

	TaskID        TaskID      `json:"taskId,omitempty"`
	Prompt        string      `json:"prompt,omitempty"`
	ScheduleType  string      `json:"schedule_type,omitempty"`
	ScheduleValue string      `json:"schedule_value,omitempty"`
	ContextMode   string      `json:"context_mode,omitempty"`
	GroupFolder   GroupFolder `json:"groupFolder,omitempty"`

	JID             ChatJID          `json:"jid,omitempty"`
	Name            string           `json:"name,omitempty"`
	Folder          GroupFolder      `json:"folder,omitempty"`
	Trigger         string           `json:"trigger,omitempty"`
	ContainerConfig *ContainerConfig `json:"containerConfig,omitempty"`

	Service           string      `json:"service,omitempty"`
	TargetGroupFolder GroupFolder `json:"targetGroupFolder,omitempty"`
}
