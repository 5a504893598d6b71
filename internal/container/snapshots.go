package container

import (
	"path/filepath"
	"time"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/schema"
)

// Snapshot file names inside a tenant's IPC directory.
const (
	TasksSnapshotFile   = "current_tasks.json"
	GroupsSnapshotFile  = "available_groups.json"
	OrgContextFile      = "org_context.json"
	DiagnosticsFile     = "diagnostics.json"
	PendingRequestsFile = "pending_dm_requests.json"
)

type groupsSnapshot struct {
	Groups   []schema.AvailableGroup `json:"groups"`
	LastSync time.Time               `json:"lastSync"`
}

// WriteTasksSnapshot writes the tasks visible to the tenant. Privileged
// tenants see every task; others only their own.
func WriteTasksSnapshot(paths core.Paths, folder schema.GroupFolder, isMain bool, tasks []schema.ScheduledTask) error {
	out := make([]schema.TaskSnapshot, 0, len(tasks))
	for _, task := range tasks {
		if !isMain && task.GroupFolder != folder {
			continue
		}
		out = append(out, schema.TaskSnapshot{
			ID:            task.ID,
			GroupFolder:   task.GroupFolder,
			Prompt:        task.Prompt,
			ScheduleType:  task.ScheduleType,
			ScheduleValue: task.ScheduleValue,
			Status:        task.Status,
			NextRun:       task.NextRun,
		})
	}
	return persist.WriteJSON(filepath.Join(paths.IPCDir(folder), TasksSnapshotFile), out)
}

// WriteGroupsSnapshot writes the chats a privileged tenant may register.
// Other tenants receive an empty list.
func WriteGroupsSnapshot(paths core.Paths, folder schema.GroupFolder, isMain bool, groups []schema.AvailableGroup, now time.Time) error {
	snapshot := groupsSnapshot{Groups: []schema.AvailableGroup{}, LastSync: now.UTC()}
	if isMain && len(groups) > 0 {
		snapshot.Groups = groups
	}
	return persist.WriteJSON(filepath.Join(paths.IPCDir(folder), GroupsSnapshotFile), snapshot)
}

// WriteOrgContext writes the tenant's organization role. Nothing is
// written in personal mode.
func WriteOrgContext(paths core.Paths, folder schema.GroupFolder, org schema.OrgContext) error {
	if !org.Active() {
		return nil
	}
	return persist.WriteJSON(filepath.Join(paths.IPCDir(folder), OrgContextFile), org)
}
