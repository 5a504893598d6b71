package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/logx"
	"github.com/chris247474/nanoclaw/schema"
)

const (
	// DefaultInterval is the mailbox poll cadence.
	DefaultInterval = time.Second
	// DefaultMaxFileBytes caps files sent on behalf of an agent.
	DefaultMaxFileBytes int64 = 50 << 20

	messagesDir = "messages"
	tasksDir    = "tasks"
)

// Handling outcomes reported to the observer.
const (
	OutcomeApplied     = "applied"
	OutcomeRejected    = "rejected"
	OutcomeQuarantined = "quarantined"
)

// ErrAlreadyRunning is returned when Run is called on a running bus.
var ErrAlreadyRunning = errors.New("ipc bus already running")

// Messenger delivers agent traffic to chats.
type Messenger interface {
	Relay(ctx context.Context, jid schema.ChatJID, text string) error
	Reply(ctx context.Context, jid schema.ChatJID, text string) error
	SendFile(ctx context.Context, jid schema.ChatJID, path, caption, fileName string) error
}

// ContainerKiller force-stops a tenant's running container.
type ContainerKiller interface {
	Kill(ctx context.Context, folder schema.GroupFolder) bool
}

// GroupRefresher re-syncs chat metadata and rewrites the groups snapshot
// for the requesting tenant.
type GroupRefresher interface {
	RefreshGroups(ctx context.Context, folder schema.GroupFolder) error
}

// DiagnosticsWriter rewrites diagnostics.json for a tenant.
type DiagnosticsWriter interface {
	WriteDiagnostics(ctx context.Context, folder schema.GroupFolder) error
}

// Config wires the bus to its collaborators. Only Paths, Groups, Tasks and
// Messenger are required; requests needing a missing collaborator are
// logged and dropped.
type Config struct {
	Paths        core.Paths
	MainFolder   schema.GroupFolder
	Interval     time.Duration
	MaxFileBytes int64
	Location     *time.Location

	Groups      core.GroupRegistry
	Tasks       core.TaskStore
	Messenger   Messenger
	Pending     core.PendingDMStore
	OAuth       core.OAuthStarter
	Service     core.ServiceController
	Killer      ContainerKiller
	Refresher   GroupRefresher
	Diagnostics DiagnosticsWriter
	Org         core.OrgResolver
	Observer    core.IPCObserver
}

// Bus polls every tenant mailbox and applies each request at most once.
// The sending tenant is always the mailbox directory; payload fields naming
// a tenant are only ever treated as a requested target.
type Bus struct {
	cfg     Config
	running atomic.Bool
	now     func() time.Time
}

// New constructs a bus.
func New(cfg Config) (*Bus, error) {
	if cfg.Paths.DataDir == "" || cfg.Paths.GroupsDir == "" {
		return nil, errors.New("ipc: paths are required")
	}
	if cfg.Groups == nil || cfg.Tasks == nil || cfg.Messenger == nil {
		return nil, errors.New("ipc: groups, tasks and messenger are required")
	}
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Bus{cfg: cfg, now: time.Now}, nil
}

// Run polls mailboxes until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)
	if err := os.MkdirAll(b.cfg.Paths.IPCRoot(), 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}
	log := pslog.Ctx(ctx)
	if log != nil {
		log.Info("ipc bus start", "root", b.cfg.Paths.IPCRoot(), "interval", b.cfg.Interval.String())
	}
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		b.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			if log != nil {
				log.Info("ipc bus stop")
			}
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce drains every tenant mailbox once.
func (b *Bus) ProcessOnce(ctx context.Context) {
	log := pslog.Ctx(ctx)
	entries, err := os.ReadDir(b.cfg.Paths.IPCRoot())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && log != nil {
			log.Error("ipc root read failed", "err", err)
		}
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() {
			continue
		}
		sender := schema.GroupFolder(entry.Name())
		if schema.ValidateGroupFolder(sender) != nil {
			continue
		}
		b.processTenant(logx.ContextWithGroupLogger(ctx, sender), sender)
	}
}

func (b *Bus) processTenant(ctx context.Context, sender schema.GroupFolder) {
	privileged := b.privileged(sender)
	b.drain(ctx, sender, messagesDir, func(req schema.IPCRequest) error {
		return b.handleMessage(ctx, sender, privileged, req)
	})
	b.drain(ctx, sender, tasksDir, func(req schema.IPCRequest) error {
		return b.handleTask(ctx, sender, privileged, req)
	})
}

func (b *Bus) drain(ctx context.Context, sender schema.GroupFolder, sub string, handle func(schema.IPCRequest) error) {
	log := pslog.Ctx(ctx)
	dir := filepath.Join(b.cfg.Paths.IPCDir(sender), sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && log != nil {
			log.Error("ipc mailbox read failed", "dir", sub, "err", err)
		}
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		req, err := readRequest(path)
		if err == nil {
			err = handle(req)
		}
		outcome := OutcomeApplied
		switch {
		case err == nil:
			b.remove(ctx, path)
		case rejected(err):
			outcome = OutcomeRejected
			if log != nil {
				log.Warn("ipc request rejected", "file", name, "type", string(req.Type), "err", err)
			}
			b.remove(ctx, path)
		default:
			outcome = OutcomeQuarantined
			if log != nil {
				log.Error("ipc request failed", "file", name, "type", string(req.Type), "err", err)
			}
			b.quarantine(ctx, sender, path)
		}
		if b.cfg.Observer != nil {
			b.cfg.Observer.IPCHandled(req.Type, outcome)
		}
	}
}

// rejected errors are dropped rather than quarantined; replaying them can
// never succeed.
func rejected(err error) bool {
	return errors.Is(err, schema.ErrUnauthorized) || errors.Is(err, schema.ErrTaskNotFound)
}

func readRequest(path string) (schema.IPCRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.IPCRequest{}, err
	}
	var req schema.IPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return schema.IPCRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Type == "" {
		return req, fmt.Errorf("missing type: %w", schema.ErrInvalidRequest)
	}
	return req, nil
}

func (b *Bus) remove(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if log := pslog.Ctx(ctx); log != nil {
			log.Error("ipc file remove failed", "file", filepath.Base(path), "err", err)
		}
	}
}

// quarantine moves a failed file to errors/<tenant>-<file>; it is never
// picked up again automatically.
func (b *Bus) quarantine(ctx context.Context, sender schema.GroupFolder, path string) {
	log := pslog.Ctx(ctx)
	dir := b.cfg.Paths.ErrorsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if log != nil {
			log.Error("ipc quarantine dir failed", "err", err)
		}
		return
	}
	target := filepath.Join(dir, string(sender)+"-"+filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		if log != nil {
			log.Error("ipc quarantine failed", "file", filepath.Base(path), "err", err)
		}
		// Never apply the same file twice.
		b.remove(ctx, path)
	}
}

// privileged derives the sender's privilege from its directory identity and
// the trusted registry, never from the payload.
func (b *Bus) privileged(sender schema.GroupFolder) bool {
	if sender == b.cfg.MainFolder {
		return true
	}
	jid, group, ok := b.cfg.Groups.GroupByFolder(sender)
	if !ok {
		return false
	}
	if group.IsMain {
		return true
	}
	return b.cfg.Org != nil && b.cfg.Org.Resolve(jid, group).IsAdmin
}

// canTarget reports whether sender may address the chat.
func (b *Bus) canTarget(sender schema.GroupFolder, privileged bool, jid schema.ChatJID) bool {
	if privileged {
		return true
	}
	group, ok := b.cfg.Groups.Group(jid)
	return ok && group.Folder == sender
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), schema.ErrUnauthorized)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), schema.ErrInvalidRequest)
}
