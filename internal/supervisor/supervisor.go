package supervisor

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/schema"
)

const (
	// DefaultInterval is how often each loop polls for new messages.
	DefaultInterval = 2 * time.Second
	// DefaultGroupSyncInterval is the minimum gap between chat name syncs.
	DefaultGroupSyncInterval = 24 * time.Hour

	groupSyncCheck = time.Hour
	syncMarkerJID  = "__group_sync__"
)

// ErrAlreadyRunning is returned when Run is called on a running supervisor.
var ErrAlreadyRunning = errors.New("supervisor already running")

// State is the persistent router state: registry, sessions, cursors and
// pending direct-chat requests.
type State interface {
	core.GroupRegistry
	core.SessionStore
	core.PendingDMStore
	DiscoveryCursor() time.Time
	SetDiscoveryCursor(ts time.Time) error
	GroupCursor(jid schema.ChatJID) (time.Time, bool)
	SetGroupCursor(jid schema.ChatJID, ts time.Time) error
	LastAgentTime(jid schema.ChatJID) time.Time
	SetLastAgentTime(jid schema.ChatJID, ts time.Time) error
}

// Messenger sends assistant replies and escalations. notify.Notifier
// satisfies it.
type Messenger interface {
	core.RelayTracker
	Reply(ctx context.Context, jid schema.ChatJID, text string) error
	NotifyAdmins(ctx context.Context, text string, exclude schema.GroupFolder) int
	NotifyAdminError(ctx context.Context, group schema.RegisteredGroup, errText string)
}

// ChatNames stores chat names fetched from the transport.
type ChatNames interface {
	UpdateChatName(ctx context.Context, jid schema.ChatJID, name string) error
	LastGroupSync(ctx context.Context) (*time.Time, error)
	SetLastGroupSync(ctx context.Context, ts time.Time) error
}

// GroupLister fetches the names of every group chat the transport is in.
type GroupLister interface {
	GroupNames(ctx context.Context) (map[schema.ChatJID]string, error)
}

// DiagnosticsWriter writes diagnostics.json for a tenant.
type DiagnosticsWriter interface {
	WriteDiagnostics(ctx context.Context, folder schema.GroupFolder) error
}

// Config wires the supervisor. Org, OAuth, Diagnostics, Chats and Lister
// are optional.
type Config struct {
	Messages    core.MessageSource
	State       State
	Tasks       core.TaskStore
	Runner      core.AgentRunner
	Messenger   Messenger
	Org         core.OrgResolver
	OAuth       core.OAuthStarter
	Diagnostics DiagnosticsWriter
	Chats       ChatNames
	Lister      GroupLister
	Paths       core.Paths

	AssistantName     string
	MainFolder        schema.GroupFolder
	Interval          time.Duration
	GroupSyncInterval time.Duration
}

// Supervisor runs one message loop per registered tenant plus a discovery
// loop for unregistered chats. A slow agent run only blocks its own tenant.
type Supervisor struct {
	cfg       Config
	trigger   *regexp.Regexp
	botPrefix string
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	loops   map[schema.ChatJID]struct{}
	group   *errgroup.Group
	loopCtx context.Context
}

// New constructs a supervisor.
func New(cfg Config) (*Supervisor, error) {
	switch {
	case cfg.Messages == nil:
		return nil, errors.New("supervisor: message source is required")
	case cfg.State == nil:
		return nil, errors.New("supervisor: state is required")
	case cfg.Runner == nil:
		return nil, errors.New("supervisor: runner is required")
	case cfg.Messenger == nil:
		return nil, errors.New("supervisor: messenger is required")
	case cfg.AssistantName == "":
		return nil, errors.New("supervisor: assistant name is required")
	}
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GroupSyncInterval <= 0 {
		cfg.GroupSyncInterval = DefaultGroupSyncInterval
	}
	return &Supervisor{
		cfg:       cfg,
		trigger:   TriggerPattern(cfg.AssistantName),
		botPrefix: cfg.AssistantName + ":",
		now:       time.Now,
		loops:     make(map[schema.ChatJID]struct{}),
	}, nil
}

// Run starts the discovery loop, which in turn starts a loop for every
// registered tenant, and blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = g
	s.loopCtx = gctx
	s.loops = make(map[schema.ChatJID]struct{})
	s.mu.Unlock()

	pslog.Ctx(ctx).Info("supervisor start", "trigger", "@"+s.cfg.AssistantName, "interval", s.cfg.Interval.String())
	g.Go(func() error { return s.discoveryLoop(gctx) })
	if s.cfg.Lister != nil && s.cfg.Chats != nil {
		g.Go(func() error { return s.groupSyncLoop(gctx) })
	}
	err := g.Wait()
	pslog.Ctx(ctx).Info("supervisor stop")
	return err
}

// Loops returns the chats with a running tenant loop.
func (s *Supervisor) Loops() []schema.ChatJID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.ChatJID, 0, len(s.loops))
	for jid := range s.loops {
		out = append(out, jid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ensureLoops starts a loop for every registered tenant without one.
func (s *Supervisor) ensureLoops() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return
	}
	for jid := range s.cfg.State.Groups() {
		if _, ok := s.loops[jid]; ok {
			continue
		}
		s.loops[jid] = struct{}{}
		ctx := s.loopCtx
		s.group.Go(func() error { return s.groupLoop(ctx, jid) })
	}
}

func (s *Supervisor) groupLoop(ctx context.Context, jid schema.ChatJID) error {
	log := pslog.Ctx(ctx).With("chat", jid)
	if group, ok := s.cfg.State.Group(jid); ok {
		log = log.With("group", group.Folder)
	}
	log.Info("tenant loop start")
	if _, ok := s.cfg.State.GroupCursor(jid); !ok {
		if err := s.cfg.State.SetGroupCursor(jid, s.cfg.State.DiscoveryCursor()); err != nil {
			log.Warn("tenant cursor init failed", "err", err)
		}
	}
	ctx = pslog.ContextWithLogger(ctx, log)
	for {
		s.pollGroup(ctx, jid)
		if !sleep(ctx, s.cfg.Interval) {
			log.Info("tenant loop stop")
			return nil
		}
	}
}

// pollGroup processes new messages for one tenant in order. A failed
// message stops the batch so it is retried on the next poll.
func (s *Supervisor) pollGroup(ctx context.Context, jid schema.ChatJID) {
	log := pslog.Ctx(ctx)
	since, _ := s.cfg.State.GroupCursor(jid)
	messages, err := s.cfg.Messages.NewMessages(ctx, []schema.ChatJID{jid}, since, s.botPrefix)
	if err != nil {
		log.Error("tenant poll failed", "err", err)
		return
	}
	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		if err := s.ProcessMessage(ctx, msg); err != nil {
			log.Error("message processing failed, will retry", "message", msg.ID, "err", err)
			return
		}
		if err := s.cfg.State.SetGroupCursor(jid, msg.Timestamp); err != nil {
			log.Warn("tenant cursor save failed", "err", err)
		}
	}
}

func (s *Supervisor) discoveryLoop(ctx context.Context) error {
	for {
		s.ensureLoops()
		s.Discover(ctx)
		if !sleep(ctx, s.cfg.Interval) {
			return nil
		}
	}
}

// Discover handles new messages from unregistered chats: group chats that
// address the assistant are registered and direct chats become pending
// requests. It never starts tenant loops itself.
func (s *Supervisor) Discover(ctx context.Context) {
	log := pslog.Ctx(ctx)
	registered := s.cfg.State.Groups()
	seen := make(map[schema.ChatJID]struct{})
	var jids []schema.ChatJID
	add := func(jid schema.ChatJID) {
		if _, ok := registered[jid]; ok {
			return
		}
		if _, ok := seen[jid]; ok {
			return
		}
		seen[jid] = struct{}{}
		jids = append(jids, jid)
	}
	chats, err := s.cfg.Messages.ListChats(ctx)
	if err != nil {
		log.Error("discovery chat list failed", "err", err)
		return
	}
	for _, chat := range chats {
		if isGroupChat(chat.JID) || schema.IsDirectChat(chat.JID) {
			add(chat.JID)
		}
	}
	for _, req := range s.cfg.State.PendingDMs() {
		add(req.JID)
	}
	if len(jids) == 0 {
		return
	}
	messages, err := s.cfg.Messages.NewMessages(ctx, jids, s.cfg.State.DiscoveryCursor(), s.botPrefix)
	if err != nil {
		log.Error("discovery poll failed", "err", err)
		return
	}
	if len(messages) > 0 {
		log.Info("discovery messages", "count", len(messages))
	}
	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		if err := s.ProcessMessage(ctx, msg); err != nil {
			log.Error("discovery processing failed, will retry", "message", msg.ID, "err", err)
			return
		}
		if err := s.cfg.State.SetDiscoveryCursor(msg.Timestamp); err != nil {
			log.Warn("discovery cursor save failed", "err", err)
		}
	}
}

func (s *Supervisor) groupSyncLoop(ctx context.Context) error {
	for {
		if err := s.SyncGroups(ctx, false); err != nil {
			pslog.Ctx(ctx).Error("group sync failed", "err", err)
		}
		if !sleep(ctx, groupSyncCheck) {
			return nil
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether to continue.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
