package core

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/chris247474/nanoclaw/schema"
)

// Paths is the host directory layout shared by every component.
type Paths struct {
	ProjectRoot string
	GroupsDir   string
	DataDir     string
}

// NewPaths validates and normalizes a directory layout.
func NewPaths(projectRoot, groupsDir, dataDir string) (Paths, error) {
	if strings.TrimSpace(groupsDir) == "" {
		return Paths{}, errors.New("groups dir is required")
	}
	if strings.TrimSpace(dataDir) == "" {
		return Paths{}, errors.New("data dir is required")
	}
	if strings.TrimSpace(projectRoot) != "" {
		projectRoot = filepath.Clean(projectRoot)
	}
	return Paths{
		ProjectRoot: projectRoot,
		GroupsDir:   filepath.Clean(groupsDir),
		DataDir:     filepath.Clean(dataDir),
	}, nil
}

// GroupDir is the tenant's workspace on the host.
func (p Paths) GroupDir(folder schema.GroupFolder) string {
	return filepath.Join(p.GroupsDir, string(folder))
}

// GlobalDir is the shared read-only workspace for non-main tenants.
func (p Paths) GlobalDir() string {
	return filepath.Join(p.GroupsDir, "global")
}

// LogsDir holds per-run container logs for a tenant.
func (p Paths) LogsDir(folder schema.GroupFolder) string {
	return filepath.Join(p.GroupDir(folder), "logs")
}

// CredentialsDir holds per-tenant credential directories.
func (p Paths) CredentialsDir(folder schema.GroupFolder) string {
	return filepath.Join(p.GroupDir(folder), ".credentials")
}

// IPCRoot is the parent of every tenant mailbox.
func (p Paths) IPCRoot() string {
	return filepath.Join(p.DataDir, "ipc")
}

// IPCDir is the tenant's mailbox directory.
func (p Paths) IPCDir(folder schema.GroupFolder) string {
	return filepath.Join(p.IPCRoot(), string(folder))
}

// ErrorsDir is the mailbox quarantine.
func (p Paths) ErrorsDir() string {
	return filepath.Join(p.IPCRoot(), "errors")
}

// SessionDir is the tenant's agent state directory (mounted as ~/.claude).
func (p Paths) SessionDir(folder schema.GroupFolder) string {
	return filepath.Join(p.DataDir, "sessions", string(folder), ".claude")
}

// SessionFile is the transcript that must exist for a session to be resumable.
func (p Paths) SessionFile(folder schema.GroupFolder, id schema.SessionID) string {
	return filepath.Join(p.SessionDir(folder), "projects", "-workspace-group", string(id)+".jsonl")
}

// EnvDir holds the filtered environment file for a tenant.
func (p Paths) EnvDir(folder schema.GroupFolder) string {
	return filepath.Join(p.DataDir, "env", string(folder))
}
