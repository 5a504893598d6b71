package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chris247474/nanoclaw/schema"
	"pkt.systems/pslog"
)

const (
	groupsFile   = "registered_groups.json"
	sessionsFile = "sessions.json"
	stateFile    = "router_state.json"
	pendingFile  = "pending_dm_requests.json"
)

// RouterState captures message cursors for persistence.
type RouterState struct {
	LastTimestamp      time.Time                    `json:"last_timestamp"`
	LastAgentTimestamp map[schema.ChatJID]time.Time `json:"last_agent_timestamp"`
	GroupTimestamps    map[schema.ChatJID]time.Time `json:"group_timestamps"`
}

// Store persists registered groups, sessions, cursors and pending DM
// requests as JSON files in a state directory.
type Store struct {
	dir string
	log pslog.Logger

	mu            sync.Mutex
	groups        map[schema.ChatJID]schema.RegisteredGroup
	sessions      map[schema.GroupFolder]schema.SessionID
	state         RouterState
	pending       []schema.PendingDMRequest
	pendingMirror string
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging and loads
// any existing state.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	s := &Store{
		dir:      dir,
		log:      logger,
		groups:   map[schema.ChatJID]schema.RegisteredGroup{},
		sessions: map[schema.GroupFolder]schema.SessionID{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPendingMirror sets a file that receives a copy of the pending DM list
// whenever it changes.
func (s *Store) SetPendingMirror(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMirror = path
}

func (s *Store) load() error {
	if _, err := s.readJSON(groupsFile, &s.groups); err != nil {
		return err
	}
	if _, err := s.readJSON(sessionsFile, &s.sessions); err != nil {
		return err
	}
	if _, err := s.readJSON(stateFile, &s.state); err != nil {
		return err
	}
	if _, err := s.readJSON(pendingFile, &s.pending); err != nil {
		return err
	}
	if s.groups == nil {
		s.groups = map[schema.ChatJID]schema.RegisteredGroup{}
	}
	if s.sessions == nil {
		s.sessions = map[schema.GroupFolder]schema.SessionID{}
	}
	if s.state.LastAgentTimestamp == nil {
		s.state.LastAgentTimestamp = map[schema.ChatJID]time.Time{}
	}
	if s.state.GroupTimestamps == nil {
		s.state.GroupTimestamps = map[schema.ChatJID]time.Time{}
	}
	if s.log != nil {
		s.log.Debug("state load ok", "groups", len(s.groups), "sessions", len(s.sessions), "pending", len(s.pending))
	}
	return nil
}

func (s *Store) readJSON(name string, target any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "file", name)
			}
			return false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "file", name, "err", err)
		}
		return false, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "file", name, "err", err)
		}
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return true, nil
}

func (s *Store) save(name string, value any) error {
	if err := WriteJSON(filepath.Join(s.dir, name), value); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "file", name, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "file", name)
	}
	return nil
}

// Groups returns a copy of every registered group keyed by chat.
func (s *Store) Groups() map[schema.ChatJID]schema.RegisteredGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[schema.ChatJID]schema.RegisteredGroup, len(s.groups))
	for jid, group := range s.groups {
		out[jid] = group
	}
	return out
}

// Group returns the group registered for a chat.
func (s *Store) Group(jid schema.ChatJID) (schema.RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[jid]
	return group, ok
}

// GroupByFolder finds the chat registered for a folder.
func (s *Store) GroupByFolder(folder schema.GroupFolder) (schema.ChatJID, schema.RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jid, group := range s.groups {
		if group.Folder == folder {
			return jid, group, true
		}
	}
	return "", schema.RegisteredGroup{}, false
}

// RegisterGroup adds or replaces a group registration.
func (s *Store) RegisterGroup(jid schema.ChatJID, group schema.RegisteredGroup) error {
	if strings.TrimSpace(string(jid)) == "" {
		return schema.ErrInvalidRequest
	}
	if err := schema.ValidateGroupFolder(group.Folder); err != nil {
		return err
	}
	if group.AddedAt.IsZero() {
		group.AddedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[jid] = group
	return s.save(groupsFile, s.groups)
}

// Session returns the stored session for a tenant.
func (s *Store) Session(folder schema.GroupFolder) schema.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[folder]
}

// SetSession stores the tenant's current session.
func (s *Store) SetSession(folder schema.GroupFolder, id schema.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[folder] == id {
		return nil
	}
	s.sessions[folder] = id
	return s.save(sessionsFile, s.sessions)
}

// ClearSession drops the tenant's session.
func (s *Store) ClearSession(folder schema.GroupFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[folder]; !ok {
		return nil
	}
	delete(s.sessions, folder)
	return s.save(sessionsFile, s.sessions)
}

// DiscoveryCursor returns the timestamp of the last message seen by discovery.
func (s *Store) DiscoveryCursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastTimestamp
}

// SetDiscoveryCursor advances the discovery cursor.
func (s *Store) SetDiscoveryCursor(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastTimestamp = ts
	return s.save(stateFile, s.state)
}

// GroupCursor returns the last processed message time for a chat.
func (s *Store) GroupCursor(jid schema.ChatJID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.state.GroupTimestamps[jid]
	return ts, ok
}

// SetGroupCursor advances a chat's processing cursor.
func (s *Store) SetGroupCursor(jid schema.ChatJID, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.GroupTimestamps[jid] = ts
	return s.save(stateFile, s.state)
}

// LastAgentTime returns when the agent last replied in a chat.
func (s *Store) LastAgentTime(jid schema.ChatJID) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastAgentTimestamp[jid]
}

// SetLastAgentTime records the newest message the agent has answered.
func (s *Store) SetLastAgentTime(jid schema.ChatJID, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastAgentTimestamp[jid] = ts
	return s.save(stateFile, s.state)
}

// PendingDMs returns a copy of the pending DM requests.
func (s *Store) PendingDMs() []schema.PendingDMRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.PendingDMRequest(nil), s.pending...)
}

// AddPendingDM records a request unless one is already pending for the chat.
func (s *Store) AddPendingDM(req schema.PendingDMRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pending {
		if existing.JID == req.JID {
			return false, nil
		}
	}
	s.pending = append(s.pending, req)
	return true, s.savePendingLocked()
}

// RemovePendingDM removes and returns the pending request for a chat.
func (s *Store) RemovePendingDM(jid schema.ChatJID) (schema.PendingDMRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.pending {
		if existing.JID != jid {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return existing, true, s.savePendingLocked()
	}
	return schema.PendingDMRequest{}, false, nil
}

func (s *Store) savePendingLocked() error {
	pending := s.pending
	if pending == nil {
		pending = []schema.PendingDMRequest{}
	}
	if err := s.save(pendingFile, pending); err != nil {
		return err
	}
	if s.pendingMirror != "" {
		if err := WriteJSON(s.pendingMirror, pending); err != nil && s.log != nil {
			s.log.Warn("pending dm mirror failed", "path", s.pendingMirror, "err", err)
		}
	}
	return nil
}

// WriteJSON atomically writes value as indented JSON to path.
func WriteJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
