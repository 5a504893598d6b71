package supervisor

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/schema"
)

// AvailableGroups lists known group chats, most recently active first, with
// their registration state.
func (s *Supervisor) AvailableGroups(ctx context.Context) ([]schema.AvailableGroup, error) {
	chats, err := s.cfg.Messages.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	registered := s.cfg.State.Groups()
	out := make([]schema.AvailableGroup, 0, len(chats))
	for _, chat := range chats {
		if chat.JID == syncMarkerJID || !isGroupChat(chat.JID) {
			continue
		}
		_, ok := registered[chat.JID]
		out = append(out, schema.AvailableGroup{
			JID:          chat.JID,
			Name:         chat.Name,
			LastActivity: chat.LastMessageTime,
			IsRegistered: ok,
		})
	}
	return out, nil
}

// SyncGroups refreshes stored chat names from the transport. Unless force is
// set it does nothing when the last sync is recent.
func (s *Supervisor) SyncGroups(ctx context.Context, force bool) error {
	if s.cfg.Lister == nil || s.cfg.Chats == nil {
		return nil
	}
	log := pslog.Ctx(ctx)
	if !force {
		last, err := s.cfg.Chats.LastGroupSync(ctx)
		if err != nil {
			return fmt.Errorf("read last group sync: %w", err)
		}
		if last != nil && s.now().Sub(*last) < s.cfg.GroupSyncInterval {
			log.Debug("group sync skipped, synced recently", "last_sync", *last)
			return nil
		}
	}
	names, err := s.cfg.Lister.GroupNames(ctx)
	if err != nil {
		return fmt.Errorf("fetch group names: %w", err)
	}
	count := 0
	for jid, name := range names {
		if name == "" {
			continue
		}
		if err := s.cfg.Chats.UpdateChatName(ctx, jid, name); err != nil {
			return fmt.Errorf("store name for %s: %w", jid, err)
		}
		count++
	}
	if err := s.cfg.Chats.SetLastGroupSync(ctx, s.now()); err != nil {
		return fmt.Errorf("record group sync: %w", err)
	}
	log.Info("group names synced", "count", count)
	return nil
}

// RefreshGroups forces a chat name sync and rewrites the requesting
// tenant's groups snapshot.
func (s *Supervisor) RefreshGroups(ctx context.Context, folder schema.GroupFolder) error {
	if err := s.SyncGroups(ctx, true); err != nil {
		pslog.Ctx(ctx).Warn("group refresh sync failed", "err", err)
	}
	groups, err := s.AvailableGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	return container.WriteGroupsSnapshot(s.cfg.Paths, folder, true, groups, s.now())
}
