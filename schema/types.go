package schema

import "time"

// GroupFolder identifies a tenant by its workspace folder name.
type GroupFolder string

// ChatJID identifies a chat on the transport (group or direct chat).
type ChatJID string

// SessionID identifies an agent session that can be resumed.
type SessionID string

// TaskID identifies a scheduled task.
type TaskID string

// AdditionalMount is an extra host directory requested for a tenant.
// HostPath may start with ~ for the host user's home.
type AdditionalMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	Readonly      *bool  `json:"readonly,omitempty"`
}

// IsReadonly reports the requested permission; mounts default to read-only.
func (m AdditionalMount) IsReadonly() bool {
	if m.Readonly == nil {
		return true
	}
	return *m.Readonly
}

// ContainerConfig carries per-tenant container overrides.
type ContainerConfig struct {
	AdditionalMounts []AdditionalMount `json:"additionalMounts,omitempty"`
	TimeoutMS        int64             `json:"timeout,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// RegisteredGroup is a tenant known to the host.
type RegisteredGroup struct {
	Name            string           `json:"name"`
	Folder          GroupFolder      `json:"folder"`
	Trigger         string           `json:"trigger"`
	AddedAt         time.Time        `json:"added_at"`
	IsMain          bool             `json:"isMain,omitempty"`
	AlwaysProcess   bool             `json:"alwaysProcess,omitempty"`
	IsDM            bool             `json:"isDm,omitempty"`
	LIDJID          ChatJID          `json:"lidJid,omitempty"`
	ContainerConfig *ContainerConfig `json:"containerConfig,omitempty"`
}

// VolumeMount is a single bind mount handed to the container runtime.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	Readonly      bool   `json:"readonly"`
}

// Message is a stored chat message.
type Message struct {
	ID         string    `json:"id"`
	ChatJID    ChatJID   `json:"chat_jid"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	FromMe     bool      `json:"from_me,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
	MediaPath  string    `json:"media_path,omitempty"`
}

// Chat is a chat known to the transport.
type Chat struct {
	JID             ChatJID   `json:"jid"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// AvailableGroup is a chat listed in the groups snapshot.
type AvailableGroup struct {
	JID          ChatJID   `json:"jid"`
	Name         string    `json:"name"`
	LastActivity time.Time `json:"lastActivity"`
	IsRegistered bool      `json:"isRegistered"`
}

// PendingDMRequest is a direct chat awaiting admin approval.
type PendingDMRequest struct {
	JID            ChatJID   `json:"jid"`
	SenderName     string    `json:"senderName,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
	TriggerMessage string    `json:"triggerMessage"`
	Phone          string    `json:"phone"`
}
