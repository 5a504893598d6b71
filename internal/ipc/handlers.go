package ipc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/internal/logx"
	"github.com/chris247474/nanoclaw/internal/scheduler"
	"github.com/chris247474/nanoclaw/schema"
)

const (
	approvedText    = "Your registration has been approved! I'm now available to help you. Just send me a message anytime."
	oauthLinkText   = "To connect your Google account, click this link:\n\n%s\n\nThis link expires in 10 minutes."
	oauthFailedText = "Failed to start Google setup. Please try again later."
	oauthMissing    = "Google account setup is not available on this host."
)

func (b *Bus) handleMessage(ctx context.Context, sender schema.GroupFolder, privileged bool, req schema.IPCRequest) error {
	log := logx.WithChat(pslog.Ctx(ctx), req.ChatJID)
	switch req.Type {
	case schema.IPCMessage:
		if req.ChatJID == "" || req.Text == "" {
			return invalid("message requires chatJid and text")
		}
		if !b.canTarget(sender, privileged, req.ChatJID) {
			return unauthorized("message to %s", req.ChatJID)
		}
		if err := b.cfg.Messenger.Relay(ctx, req.ChatJID, req.Text); err != nil {
			return fmt.Errorf("relay message: %w", err)
		}
		log.Info("ipc message sent")
		return nil
	case schema.IPCFile:
		if req.ChatJID == "" || req.FilePath == "" {
			return invalid("file requires chatJid and filePath")
		}
		if !b.canTarget(sender, privileged, req.ChatJID) {
			return unauthorized("file to %s", req.ChatJID)
		}
		path, err := ResolveSendPath(b.cfg.Paths.GroupDir(sender), req.FilePath, b.cfg.MaxFileBytes)
		if err != nil {
			return err
		}
		if err := b.cfg.Messenger.SendFile(ctx, req.ChatJID, path, req.Caption, req.FileName); err != nil {
			return fmt.Errorf("send file: %w", err)
		}
		log.Info("ipc file sent", "file", req.FilePath)
		return nil
	default:
		return invalid("unsupported message type %q", req.Type)
	}
}

func (b *Bus) handleTask(ctx context.Context, sender schema.GroupFolder, privileged bool, req schema.IPCRequest) error {
	switch req.Type {
	case schema.IPCScheduleTask:
		return b.scheduleTask(ctx, sender, privileged, req)
	case schema.IPCPauseTask:
		status := schema.TaskPaused
		return b.updateOwnedTask(ctx, sender, privileged, req.TaskID, "pause", func(id schema.TaskID) error {
			return b.cfg.Tasks.UpdateTask(ctx, id, schema.TaskUpdate{Status: &status})
		})
	case schema.IPCResumeTask:
		status := schema.TaskActive
		return b.updateOwnedTask(ctx, sender, privileged, req.TaskID, "resume", func(id schema.TaskID) error {
			return b.cfg.Tasks.UpdateTask(ctx, id, schema.TaskUpdate{Status: &status})
		})
	case schema.IPCCancelTask:
		return b.updateOwnedTask(ctx, sender, privileged, req.TaskID, "cancel", func(id schema.TaskID) error {
			return b.cfg.Tasks.DeleteTask(ctx, id)
		})
	case schema.IPCRefreshGroups:
		if !privileged {
			return unauthorized("refresh_groups")
		}
		if b.cfg.Refresher == nil {
			return b.unsupported(ctx, req.Type)
		}
		return b.cfg.Refresher.RefreshGroups(ctx, sender)
	case schema.IPCRegisterGroup:
		return b.registerGroup(ctx, privileged, req)
	case schema.IPCDenyDM:
		return b.denyDM(ctx, privileged, req)
	case schema.IPCRequestGoogleOAuth:
		return b.requestOAuth(ctx, sender, privileged, req)
	case schema.IPCRefreshDiagnostics:
		if !privileged {
			return unauthorized("refresh_diagnostics")
		}
		if b.cfg.Diagnostics == nil {
			return b.unsupported(ctx, req.Type)
		}
		return b.cfg.Diagnostics.WriteDiagnostics(ctx, sender)
	case schema.IPCKillContainer:
		if !privileged {
			return unauthorized("kill_container")
		}
		if req.TargetGroupFolder == "" {
			return invalid("kill_container requires targetGroupFolder")
		}
		if b.cfg.Killer == nil {
			return b.unsupported(ctx, req.Type)
		}
		killed := b.cfg.Killer.Kill(ctx, req.TargetGroupFolder)
		pslog.Ctx(ctx).Info("ipc kill container", "target", req.TargetGroupFolder, "killed", killed)
		return nil
	case schema.IPCRestartService:
		if !privileged {
			return unauthorized("restart_service")
		}
		if b.cfg.Service == nil {
			return b.unsupported(ctx, req.Type)
		}
		pslog.Ctx(ctx).Info("ipc service restart requested")
		return b.cfg.Service.Restart(ctx)
	default:
		return invalid("unknown task type %q", req.Type)
	}
}

func (b *Bus) unsupported(ctx context.Context, kind schema.IPCType) error {
	pslog.Ctx(ctx).Warn("ipc request unsupported on this host", "type", string(kind))
	return nil
}

func (b *Bus) scheduleTask(ctx context.Context, sender schema.GroupFolder, privileged bool, req schema.IPCRequest) error {
	if strings.TrimSpace(req.Prompt) == "" || req.ScheduleType == "" || req.ScheduleValue == "" {
		return invalid("schedule_task requires prompt, schedule_type and schedule_value")
	}
	target := req.GroupFolder
	if target == "" {
		target = sender
	}
	if !privileged && target != sender {
		return unauthorized("schedule_task for %s", target)
	}
	// The chat comes from the registry, never from the payload.
	jid, _, ok := b.cfg.Groups.GroupByFolder(target)
	if !ok {
		return fmt.Errorf("schedule_task for %s: %w", target, schema.ErrGroupNotFound)
	}
	kind := schema.ScheduleType(req.ScheduleType)
	now := b.now()
	first, err := scheduler.FirstRun(kind, req.ScheduleValue, now, b.cfg.Location)
	if err != nil {
		return err
	}
	mode := schema.ContextMode(req.ContextMode)
	if mode != schema.ContextGroup && mode != schema.ContextIsolated {
		mode = schema.ContextIsolated
	}
	task := schema.ScheduledTask{
		ID:            scheduler.NewTaskID(now),
		GroupFolder:   target,
		ChatJID:       jid,
		Prompt:        req.Prompt,
		ScheduleType:  kind,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   mode,
		NextRun:       &first,
		Status:        schema.TaskActive,
		CreatedAt:     now.UTC(),
	}
	if err := b.cfg.Tasks.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	pslog.Ctx(ctx).Info("ipc task created", "task", task.ID, "target", target, "context_mode", string(mode), "next_run", first)
	return nil
}

// updateOwnedTask applies fn when the sender owns the task or is privileged.
func (b *Bus) updateOwnedTask(ctx context.Context, sender schema.GroupFolder, privileged bool, id schema.TaskID, action string, fn func(schema.TaskID) error) error {
	if id == "" {
		return invalid("%s_task requires taskId", action)
	}
	task, ok, err := b.cfg.Tasks.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", action, id, schema.ErrTaskNotFound)
	}
	if !privileged && task.GroupFolder != sender {
		return unauthorized("%s task %s owned by %s", action, id, task.GroupFolder)
	}
	if err := fn(id); err != nil {
		return err
	}
	pslog.Ctx(ctx).Info("ipc task "+action, "task", id)
	return nil
}

func (b *Bus) registerGroup(ctx context.Context, privileged bool, req schema.IPCRequest) error {
	if !privileged {
		return unauthorized("register_group")
	}
	if req.JID == "" || req.Name == "" || req.Folder == "" || req.Trigger == "" {
		return invalid("register_group requires jid, name, folder and trigger")
	}
	direct := schema.IsDirectChat(req.JID)
	group := schema.RegisteredGroup{
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		AddedAt:         b.now().UTC(),
		ContainerConfig: req.ContainerConfig,
		IsDM:            direct,
		AlwaysProcess:   direct,
	}
	if err := b.cfg.Groups.RegisterGroup(req.JID, group); err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	if err := os.MkdirAll(b.cfg.Paths.LogsDir(req.Folder), 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}
	log := logx.WithChat(pslog.Ctx(ctx), req.JID)
	log.Info("ipc group registered", "folder", req.Folder, "dm", direct)
	if !direct {
		return nil
	}
	if err := container.PrepareCredentialDirs(b.cfg.Paths, req.Folder); err != nil {
		log.Warn("credential dirs setup failed", "err", err)
	}
	if b.cfg.Pending != nil {
		if removed, ok, err := b.cfg.Pending.RemovePendingDM(req.JID); err != nil {
			log.Warn("pending dm cleanup failed", "err", err)
		} else if ok {
			log.Info("pending dm approved", "phone", removed.Phone)
		}
	}
	if err := b.cfg.Messenger.Reply(ctx, req.JID, approvedText); err != nil {
		log.Warn("dm approval notice failed", "err", err)
	}
	return nil
}

func (b *Bus) denyDM(ctx context.Context, privileged bool, req schema.IPCRequest) error {
	if !privileged {
		return unauthorized("deny_dm")
	}
	if req.JID == "" {
		return invalid("deny_dm requires jid")
	}
	if b.cfg.Pending == nil {
		return b.unsupported(ctx, req.Type)
	}
	log := logx.WithChat(pslog.Ctx(ctx), req.JID)
	denied, ok, err := b.cfg.Pending.RemovePendingDM(req.JID)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("no pending dm request to deny")
		return nil
	}
	log.Info("pending dm denied", "phone", denied.Phone)
	return nil
}

func (b *Bus) requestOAuth(ctx context.Context, sender schema.GroupFolder, privileged bool, req schema.IPCRequest) error {
	target := req.GroupFolder
	if target == "" {
		target = sender
	}
	if !privileged && target != sender {
		return unauthorized("request_google_oauth for %s", target)
	}
	jid, _, ok := b.cfg.Groups.GroupByFolder(target)
	if !ok {
		return fmt.Errorf("request_google_oauth for %s: %w", target, schema.ErrGroupNotFound)
	}
	log := logx.WithChat(pslog.Ctx(ctx), jid)
	if b.cfg.OAuth == nil {
		log.Warn("oauth requested but not configured")
		return b.cfg.Messenger.Reply(ctx, jid, oauthMissing)
	}
	service := req.Service
	if service == "" {
		service = "all"
	}
	url, err := b.cfg.OAuth.StartOAuth(ctx, jid, target, service)
	if err != nil {
		log.Error("oauth start failed", "err", err)
		return b.cfg.Messenger.Reply(ctx, jid, oauthFailedText)
	}
	log.Info("oauth link sent", "service", service)
	return b.cfg.Messenger.Reply(ctx, jid, fmt.Sprintf(oauthLinkText, url))
}
