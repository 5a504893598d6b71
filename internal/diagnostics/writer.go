package diagnostics

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/schema"
)

// LatestMessages reports when the newest stored message arrived.
type LatestMessages interface {
	LatestMessageTime(ctx context.Context) (*time.Time, error)
}

// Connectivity reports whether the chat transport is connected.
type Connectivity interface {
	Connected() bool
}

// WriterConfig wires the sources a snapshot is assembled from.
type WriterConfig struct {
	Paths     core.Paths
	Messages  LatestMessages
	Groups    core.GroupRegistry
	Transport Connectivity
	StartedAt time.Time
}

// Writer keeps the latest container snapshot and renders diagnostics.json
// for privileged tenants.
type Writer struct {
	cfg WriterConfig
	now func() time.Time

	mu         sync.RWMutex
	containers schema.ContainerSnapshot
}

// NewWriter constructs a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Paths.DataDir == "" {
		return nil, errors.New("diagnostics: data dir is required")
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Writer{cfg: cfg, now: time.Now}, nil
}

// PublishContainers implements core.DiagnosticsSink.
func (w *Writer) PublishContainers(snapshot schema.ContainerSnapshot) {
	w.mu.Lock()
	w.containers = snapshot
	w.mu.Unlock()
}

// Snapshot assembles the current diagnostics.
func (w *Writer) Snapshot(ctx context.Context) schema.DiagnosticsSnapshot {
	now := w.now()
	w.mu.RLock()
	containers := w.containers
	w.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var snap schema.DiagnosticsSnapshot
	snap.Timestamp = now.UTC()
	snap.Process = schema.ProcessDiagnostics{
		UptimeMS:  now.Sub(w.cfg.StartedAt).Milliseconds(),
		MemoryMB:  math.Round(float64(mem.HeapAlloc)/(1<<20)*100) / 100,
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
		StartedAt: w.cfg.StartedAt.UTC(),
	}
	snap.Containers.Active = nonNil(containers.Active)
	snap.Containers.Recent = nonNil(containers.Recent)
	snap.Errors.RecentContainerErrors = nonNil(containers.Errors)
	for _, e := range containers.Errors {
		ts := e.Timestamp
		if snap.Errors.LastErrorAt == nil || ts.After(*snap.Errors.LastErrorAt) {
			snap.Errors.LastErrorAt = &ts
		}
	}
	if w.cfg.Messages != nil {
		latest, err := w.cfg.Messages.LatestMessageTime(ctx)
		if err != nil {
			pslog.Ctx(ctx).Warn("diagnostics latest message lookup failed", "err", err)
		}
		snap.Messaging.LastMessageProcessed = latest
	}
	if w.cfg.Groups != nil {
		snap.Messaging.RegisteredGroupsCount = len(w.cfg.Groups.Groups())
	}
	if w.cfg.Transport != nil {
		snap.Messaging.TransportConnected = w.cfg.Transport.Connected()
	}
	return snap
}

// WriteDiagnostics writes diagnostics.json into the tenant's IPC directory.
func (w *Writer) WriteDiagnostics(ctx context.Context, folder schema.GroupFolder) error {
	path := filepath.Join(w.cfg.Paths.IPCDir(folder), container.DiagnosticsFile)
	return persist.WriteJSON(path, w.Snapshot(ctx))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
