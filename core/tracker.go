package core

import (
	"sort"
	"sync"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

const (
	// DefaultRecentRuns is the capacity of the recent-run buffer.
	DefaultRecentRuns = 20
	// DefaultRecentErrors is the capacity of the recent-error buffer.
	DefaultRecentErrors = 10

	promptPreviewMax = 100
)

// Tracker records active containers and recent outcomes for diagnostics.
// It is owned by the container runner and shared by reference; nothing is
// persisted across restarts.
type Tracker struct {
	mu     sync.Mutex
	active map[schema.GroupFolder]schema.ActiveContainer
	runs   *ring[schema.RecentRun]
	errs   *ring[schema.RecentError]
	now    func() time.Time
}

// NewTracker constructs a tracker with the given buffer capacities.
func NewTracker(recentRuns, recentErrors int) *Tracker {
	if recentRuns <= 0 {
		recentRuns = DefaultRecentRuns
	}
	if recentErrors <= 0 {
		recentErrors = DefaultRecentErrors
	}
	return &Tracker{
		active: make(map[schema.GroupFolder]schema.ActiveContainer),
		runs:   newRing[schema.RecentRun](recentRuns),
		errs:   newRing[schema.RecentError](recentErrors),
		now:    time.Now,
	}
}

// Start registers a spawned container for the tenant.
func (t *Tracker) Start(folder schema.GroupFolder, name string, pid int, prompt string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[folder] = schema.ActiveContainer{
		GroupFolder:   folder,
		GroupName:     name,
		PID:           pid,
		StartedAt:     t.now(),
		PromptPreview: previewText(prompt, promptPreviewMax),
	}
}

// Finish converts the active entry into a recent run and returns it.
// Failures with a classification are also recorded as recent errors.
func (t *Tracker) Finish(folder schema.GroupFolder, outcome schema.RunOutcome, kind schema.ErrorType, summary string) schema.RecentRun {
	if t == nil {
		return schema.RecentRun{GroupFolder: folder, Status: outcome, ErrorSummary: summary}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	entry, ok := t.active[folder]
	if ok {
		delete(t.active, folder)
	} else {
		entry = schema.ActiveContainer{GroupFolder: folder, StartedAt: now}
	}
	run := schema.RecentRun{
		GroupFolder:  folder,
		GroupName:    entry.GroupName,
		StartedAt:    entry.StartedAt,
		DurationMS:   now.Sub(entry.StartedAt).Milliseconds(),
		Status:       outcome,
		ErrorSummary: summary,
	}
	t.runs.Push(run)
	if kind != "" {
		t.errs.Push(schema.RecentError{
			GroupFolder: folder,
			Timestamp:   now,
			Error:       summary,
			Type:        kind,
		})
	}
	return run
}

// ActivePID returns the pid of the tenant's running container.
func (t *Tracker) ActivePID(folder schema.GroupFolder) (int, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.active[folder]
	if !ok || entry.PID <= 0 {
		return 0, false
	}
	return entry.PID, true
}

// Snapshot returns a copy of the tracker state, newest entries first.
func (t *Tracker) Snapshot() schema.ContainerSnapshot {
	if t == nil {
		return schema.ContainerSnapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Publish hands the current state to sink. The lock is held across the
// call so concurrent publishers deliver snapshots in mutation order.
func (t *Tracker) Publish(sink DiagnosticsSink) {
	if t == nil || sink == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sink.PublishContainers(t.snapshotLocked())
}

func (t *Tracker) snapshotLocked() schema.ContainerSnapshot {
	now := t.now()
	active := make([]schema.ActiveContainer, 0, len(t.active))
	for _, entry := range t.active {
		entry.ElapsedMS = now.Sub(entry.StartedAt).Milliseconds()
		active = append(active, entry)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return schema.ContainerSnapshot{
		Active: active,
		Recent: t.runs.Newest(),
		Errors: t.errs.Newest(),
	}
}

// Reset clears all tracked state.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[schema.GroupFolder]schema.ActiveContainer)
	t.runs.Reset()
	t.errs.Reset()
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}
