package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/internal/logx"
	"github.com/chris247474/nanoclaw/schema"
)

const (
	oauthLinkText   = "To connect your Google account, click this link:\n\n%s\n\nThis link expires in 10 minutes."
	oauthFailedText = "Failed to start Google setup. Please try again later."
	pendingDMText   = "New DM registration request from %s (%s).\nMessage: \"%s\"\n\nTo approve, use register_group with JID: %s, folder: dm-%s"
)

// ProcessMessage routes one stored message. The returned error means the
// message should be retried; agent failures are escalated and swallowed.
func (s *Supervisor) ProcessMessage(ctx context.Context, msg schema.Message) error {
	group, ok := s.cfg.State.Group(msg.ChatJID)
	if !ok && isGroupChat(msg.ChatJID) {
		if !s.trigger.MatchString(strings.TrimSpace(msg.Content)) {
			return nil
		}
		registered, err := s.autoRegister(ctx, msg.ChatJID)
		if err != nil {
			return err
		}
		group, ok = registered, true
	}
	if !ok {
		if schema.IsDirectChat(msg.ChatJID) {
			return s.handleUnregisteredDM(ctx, msg)
		}
		logx.WithChat(pslog.Ctx(ctx), msg.ChatJID).Debug("message from unregistered chat")
		return nil
	}
	return s.handleTenantMessage(ctx, msg, group)
}

func (s *Supervisor) handleTenantMessage(ctx context.Context, msg schema.Message, group schema.RegisteredGroup) error {
	content := strings.TrimSpace(msg.Content)
	if s.startOAuth(ctx, msg.ChatJID, group.Folder, content) {
		return nil
	}
	if !group.AlwaysProcess && !s.trigger.MatchString(content) {
		return nil
	}

	ctx = logx.ContextWithGroupLogger(ctx, group.Folder)
	log := logx.WithChat(pslog.Ctx(ctx), msg.ChatJID)
	missed, err := s.cfg.Messages.MessagesSince(ctx, msg.ChatJID, s.cfg.State.LastAgentTime(msg.ChatJID), s.botPrefix)
	if err != nil {
		return fmt.Errorf("load messages since last reply: %w", err)
	}
	if len(missed) == 0 {
		return nil
	}
	log.Info("processing message", "messages", len(missed))

	response, ok := s.RunAgent(ctx, msg.ChatJID, group, FormatPrompt(missed))
	relayed := s.cfg.Messenger.TakeRelayed(msg.ChatJID)
	if !ok || (response == "" && relayed == 0) {
		return nil
	}
	if err := s.cfg.State.SetLastAgentTime(msg.ChatJID, msg.Timestamp); err != nil {
		log.Warn("last agent time save failed", "err", err)
	}
	if relayed > 0 {
		log.Info("final result suppressed, already relayed", "relayed", relayed, "result_len", len(response))
		return nil
	}
	if err := s.cfg.Messenger.Reply(ctx, msg.ChatJID, response); err != nil {
		log.Error("reply failed", "err", err)
	}
	return nil
}

// RunAgent prepares the tenant snapshots and runs the agent once. It returns
// false when the run failed; the failure has then been escalated.
func (s *Supervisor) RunAgent(ctx context.Context, jid schema.ChatJID, group schema.RegisteredGroup, prompt string) (string, bool) {
	log := logx.WithGroup(ctx, group.Folder)
	isMain := group.Folder == s.cfg.MainFolder || group.IsMain

	session, err := container.ValidateSession(s.cfg.Paths, s.cfg.State, group.Folder)
	if err != nil {
		log.Warn("stale session cleanup failed", "err", err)
	}
	var org schema.OrgContext
	if s.cfg.Org != nil {
		org = s.cfg.Org.Resolve(jid, group)
	}
	privileged := isMain || org.IsAdmin
	s.writeSnapshots(ctx, group.Folder, privileged, org)

	input := schema.ContainerInput{
		Prompt:      prompt,
		SessionID:   session,
		GroupFolder: group.Folder,
		ChatJID:     jid,
		IsMain:      privileged,
		IsAdmin:     org.IsAdmin,
		TeamID:      org.TeamID,
		OrgTeamIDs:  org.TeamIDs(),
		TeamEmail:   org.TeamEmail,
	}
	out, err := s.cfg.Runner.Run(ctx, group, input, org)
	if out.NewSessionID != "" {
		if err := s.cfg.State.SetSession(group.Folder, out.NewSessionID); err != nil {
			log.Warn("session save failed", "err", err)
		}
	}
	if err != nil || out.Status == schema.OutputError {
		summary := out.Error
		if summary == "" && err != nil {
			summary = err.Error()
		}
		if summary == "" {
			summary = "Unknown error"
		}
		log.Error("agent run failed", "err", summary)
		if !org.IsAdmin {
			s.cfg.Messenger.NotifyAdminError(ctx, group, summary)
		}
		return "", false
	}
	return out.ResultText(), true
}

func (s *Supervisor) writeSnapshots(ctx context.Context, folder schema.GroupFolder, privileged bool, org schema.OrgContext) {
	log := logx.WithGroup(ctx, folder)
	if s.cfg.Tasks != nil {
		tasks, err := s.cfg.Tasks.ListTasks(ctx)
		if err == nil {
			err = container.WriteTasksSnapshot(s.cfg.Paths, folder, privileged, tasks)
		}
		if err != nil {
			log.Warn("tasks snapshot failed", "err", err)
		}
	}
	groups, err := s.AvailableGroups(ctx)
	if err == nil {
		err = container.WriteGroupsSnapshot(s.cfg.Paths, folder, privileged, groups, s.now())
	}
	if err != nil {
		log.Warn("groups snapshot failed", "err", err)
	}
	if err := container.WriteOrgContext(s.cfg.Paths, folder, org); err != nil {
		log.Warn("org context snapshot failed", "err", err)
	}
	if privileged && s.cfg.Diagnostics != nil {
		if err := s.cfg.Diagnostics.WriteDiagnostics(ctx, folder); err != nil {
			log.Warn("diagnostics snapshot failed", "err", err)
		}
	}
}

// autoRegister registers a group chat that addressed the assistant. The
// folder is derived from the chat name and never collides with an existing
// tenant or the main folder.
func (s *Supervisor) autoRegister(ctx context.Context, jid schema.ChatJID) (schema.RegisteredGroup, error) {
	name := schema.PhoneFromJID(jid)
	if chats, err := s.cfg.Messages.ListChats(ctx); err == nil {
		for _, chat := range chats {
			if chat.JID == jid && strings.TrimSpace(chat.Name) != "" {
				name = chat.Name
				break
			}
		}
	}
	folder := s.folderFor(name, jid)
	group := schema.RegisteredGroup{
		Name:    name,
		Folder:  folder,
		Trigger: "@" + s.cfg.AssistantName,
		AddedAt: s.now().UTC(),
	}
	if err := s.cfg.State.RegisterGroup(jid, group); err != nil {
		return schema.RegisteredGroup{}, fmt.Errorf("auto-register %s: %w", jid, err)
	}
	if err := os.MkdirAll(s.cfg.Paths.LogsDir(folder), 0o755); err != nil {
		return schema.RegisteredGroup{}, fmt.Errorf("create group dir: %w", err)
	}
	logx.WithChat(pslog.Ctx(ctx), jid).Info("group auto-registered", "name", name, "folder", folder)
	return group, nil
}

func (s *Supervisor) folderFor(name string, jid schema.ChatJID) schema.GroupFolder {
	fallback := schema.GroupFolder(Slug(schema.PhoneFromJID(jid)))
	folder := schema.GroupFolder(Slug(name))
	if len(folder) > 48 {
		folder = schema.GroupFolder(strings.TrimRight(string(folder[:48]), "-"))
	}
	if schema.ValidateGroupFolder(folder) != nil {
		folder = fallback
	}
	if folder == s.cfg.MainFolder || s.folderTaken(folder) {
		folder = schema.GroupFolder(string(folder) + "-" + string(fallback))
	}
	if len(folder) > 64 {
		folder = fallback
	}
	return folder
}

func (s *Supervisor) folderTaken(folder schema.GroupFolder) bool {
	_, _, ok := s.cfg.State.GroupByFolder(folder)
	return ok
}

// handleUnregisteredDM answers Google setup requests directly and records
// every other direct chat as a pending registration for the admins.
func (s *Supervisor) handleUnregisteredDM(ctx context.Context, msg schema.Message) error {
	content := strings.TrimSpace(msg.Content)
	phone := schema.PhoneFromJID(msg.ChatJID)
	folder := schema.GroupFolder("dm-" + phone)
	if s.startOAuth(ctx, msg.ChatJID, folder, content) {
		return nil
	}
	added, err := s.cfg.State.AddPendingDM(schema.PendingDMRequest{
		JID:            msg.ChatJID,
		SenderName:     msg.SenderName,
		RequestedAt:    msg.Timestamp.UTC(),
		TriggerMessage: msg.Content,
		Phone:          phone,
	})
	if err != nil {
		return fmt.Errorf("record pending dm: %w", err)
	}
	if !added {
		return nil
	}
	who := msg.SenderName
	if who == "" {
		who = phone
	}
	notified := s.cfg.Messenger.NotifyAdmins(ctx, fmt.Sprintf(pendingDMText, who, phone, content, msg.ChatJID, phone), "")
	logx.WithChat(pslog.Ctx(ctx), msg.ChatJID).Info("dm registration request created", "phone", phone, "admins_notified", notified)
	return nil
}

// startOAuth answers a Google setup request without running the agent. It
// reports false when content is not such a request or no OAuth starter is
// configured, so the message is handled normally.
func (s *Supervisor) startOAuth(ctx context.Context, jid schema.ChatJID, folder schema.GroupFolder, content string) bool {
	if s.cfg.OAuth == nil {
		return false
	}
	service, ok := OAuthService(content)
	if !ok {
		return false
	}
	log := logx.WithChat(pslog.Ctx(ctx), jid)
	url, err := s.cfg.OAuth.StartOAuth(ctx, jid, folder, service)
	text := fmt.Sprintf(oauthLinkText, url)
	if err != nil {
		log.Error("oauth start failed", "err", err)
		text = oauthFailedText
	} else {
		log.Info("oauth link sent", "folder", folder, "service", service)
	}
	if err := s.cfg.Messenger.Reply(ctx, jid, text); err != nil {
		log.Error("oauth reply failed", "err", err)
	}
	return true
}

func isGroupChat(jid schema.ChatJID) bool {
	return strings.HasSuffix(string(jid), "@g.us")
}
