package core

import (
	"context"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

// ChatTransport delivers messages and files to chats.
type ChatTransport interface {
	SendMessage(ctx context.Context, jid schema.ChatJID, text string) error
	SendFile(ctx context.Context, jid schema.ChatJID, path, caption, fileName string) error
	Connected() bool
}

// TaskStore persists scheduled tasks and their run history.
type TaskStore interface {
	GetDueTasks(ctx context.Context, now time.Time) ([]schema.ScheduledTask, error)
	GetTaskByID(ctx context.Context, id schema.TaskID) (schema.ScheduledTask, bool, error)
	ListTasks(ctx context.Context) ([]schema.ScheduledTask, error)
	CreateTask(ctx context.Context, task schema.ScheduledTask) error
	UpdateTask(ctx context.Context, id schema.TaskID, update schema.TaskUpdate) error
	DeleteTask(ctx context.Context, id schema.TaskID) error
	LogTaskRun(ctx context.Context, run schema.TaskRunLog) error
	UpdateTaskAfterRun(ctx context.Context, id schema.TaskID, nextRun *time.Time, lastResult string) error
}

// MessageSource reads chat messages stored by the transport.
// Messages whose content starts with botPrefix are excluded.
type MessageSource interface {
	NewMessages(ctx context.Context, jids []schema.ChatJID, since time.Time, botPrefix string) ([]schema.Message, error)
	MessagesSince(ctx context.Context, jid schema.ChatJID, since time.Time, botPrefix string) ([]schema.Message, error)
	ListChats(ctx context.Context) ([]schema.Chat, error)
	LatestMessageTime(ctx context.Context) (*time.Time, error)
}

// GroupRegistry is the trusted mapping of chats to tenants.
type GroupRegistry interface {
	Groups() map[schema.ChatJID]schema.RegisteredGroup
	Group(jid schema.ChatJID) (schema.RegisteredGroup, bool)
	GroupByFolder(folder schema.GroupFolder) (schema.ChatJID, schema.RegisteredGroup, bool)
	RegisterGroup(jid schema.ChatJID, group schema.RegisteredGroup) error
}

// SessionStore tracks the current agent session per tenant.
type SessionStore interface {
	Session(folder schema.GroupFolder) schema.SessionID
	SetSession(folder schema.GroupFolder, id schema.SessionID) error
	ClearSession(folder schema.GroupFolder) error
}

// PendingDMStore tracks direct chats awaiting approval.
type PendingDMStore interface {
	PendingDMs() []schema.PendingDMRequest
	AddPendingDM(req schema.PendingDMRequest) (bool, error)
	RemovePendingDM(jid schema.ChatJID) (schema.PendingDMRequest, bool, error)
}

// OrgResolver maps a tenant to its organization role and credential mounts.
type OrgResolver interface {
	Resolve(jid schema.ChatJID, group schema.RegisteredGroup) schema.OrgContext
}

// DiagnosticsSink receives container tracker snapshots.
type DiagnosticsSink interface {
	PublishContainers(snapshot schema.ContainerSnapshot)
}

// OAuthStarter begins a credential flow and returns the URL to send to the user.
type OAuthStarter interface {
	StartOAuth(ctx context.Context, jid schema.ChatJID, folder schema.GroupFolder, service string) (string, error)
}

// ServiceController restarts the host service.
type ServiceController interface {
	Restart(ctx context.Context) error
}

// RunObserver is notified about container lifecycle transitions.
type RunObserver interface {
	ContainerStarted(folder schema.GroupFolder)
	ContainerFinished(run schema.RecentRun, kind schema.ErrorType)
}

// AgentRunner executes one agent invocation for a tenant.
type AgentRunner interface {
	Run(ctx context.Context, group schema.RegisteredGroup, input schema.ContainerInput, org schema.OrgContext) (schema.ContainerOutput, error)
}

// RelayTracker counts agent messages relayed to a chat while a run is in
// flight, so the final result is not sent twice.
type RelayTracker interface {
	TakeRelayed(jid schema.ChatJID) int
}

// TaskObserver is notified after each scheduled task run.
type TaskObserver interface {
	TaskFinished(task schema.ScheduledTask, run schema.TaskRunLog)
}

// IPCObserver is notified after each mailbox file is handled.
type IPCObserver interface {
	IPCHandled(kind schema.IPCType, outcome string)
}
