package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/internal/store"
	"github.com/chris247474/nanoclaw/schema"
)

type recordingMessenger struct {
	mu      sync.Mutex
	relayed []string
	replies []string
	files   []string
	fail    error
}

func (m *recordingMessenger) Relay(ctx context.Context, jid schema.ChatJID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.relayed = append(m.relayed, string(jid)+"|"+text)
	return nil
}

func (m *recordingMessenger) Reply(ctx context.Context, jid schema.ChatJID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, string(jid)+"|"+text)
	return nil
}

func (m *recordingMessenger) SendFile(ctx context.Context, jid schema.ChatJID, path, caption, fileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, string(jid)+"|"+path+"|"+caption)
	return nil
}

// countingTasks records CreateTask calls on top of the real store.
type countingTasks struct {
	*store.Store
	creates int
}

func (c *countingTasks) CreateTask(ctx context.Context, task schema.ScheduledTask) error {
	c.creates++
	return c.Store.CreateTask(ctx, task)
}

type fakeKiller struct {
	killed []schema.GroupFolder
}

func (k *fakeKiller) Kill(ctx context.Context, folder schema.GroupFolder) bool {
	k.killed = append(k.killed, folder)
	return true
}

type fakeService struct {
	restarts int
}

func (s *fakeService) Restart(ctx context.Context) error {
	s.restarts++
	return nil
}

type fakeOAuth struct {
	calls []string
}

func (o *fakeOAuth) StartOAuth(ctx context.Context, jid schema.ChatJID, folder schema.GroupFolder, service string) (string, error) {
	o.calls = append(o.calls, string(jid)+"|"+string(folder)+"|"+service)
	return "https://auth.example/start", nil
}

type outcomeCounter struct {
	outcomes map[string]int
}

func (o *outcomeCounter) IPCHandled(kind schema.IPCType, outcome string) {
	o.outcomes[outcome]++
}

type harness struct {
	bus       *Bus
	paths     core.Paths
	state     *persist.Store
	tasks     *countingTasks
	messenger *recordingMessenger
	killer    *fakeKiller
	service   *fakeService
	oauth     *fakeOAuth
	observer  *outcomeCounter
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	root := t.TempDir()
	paths, err := core.NewPaths("", filepath.Join(root, "groups"), filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	state, err := persist.NewStore(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for jid, folder := range map[schema.ChatJID]schema.GroupFolder{
		"main@g.us":   "main",
		"family@g.us": "family",
		"other@g.us":  "other",
	} {
		if err := state.RegisterGroup(jid, schema.RegisteredGroup{Name: string(folder), Folder: folder, Trigger: "@Andy"}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	db, err := store.Open(context.Background(), filepath.Join(root, "store", "messages.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	h := &harness{
		paths:     paths,
		state:     state,
		tasks:     &countingTasks{Store: db},
		messenger: &recordingMessenger{},
		killer:    &fakeKiller{},
		service:   &fakeService{},
		oauth:     &fakeOAuth{},
		observer:  &outcomeCounter{outcomes: map[string]int{}},
	}
	cfg := Config{
		Paths:     paths,
		Location:  time.UTC,
		Groups:    state,
		Tasks:     h.tasks,
		Messenger: h.messenger,
		Pending:   state,
		OAuth:     h.oauth,
		Service:   h.service,
		Killer:    h.killer,
		Observer:  h.observer,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	bus, err := New(cfg)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	h.bus = bus
	return h
}

func (h *harness) write(t *testing.T, folder schema.GroupFolder, sub, name string, payload any) string {
	t.Helper()
	dir := filepath.Join(h.paths.IPCDir(folder), sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func (h *harness) quarantined(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.paths.ErrorsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read errors dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func (h *harness) listTasks(t *testing.T) []schema.ScheduledTask {
	t.Helper()
	tasks, err := h.tasks.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s removed, stat err=%v", filepath.Base(path), err)
	}
}

func TestMessageAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	own := h.write(t, "family", "messages", "1.json", schema.IPCRequest{Type: schema.IPCMessage, ChatJID: "family@g.us", Text: "hello"})
	cross := h.write(t, "family", "messages", "2.json", schema.IPCRequest{Type: schema.IPCMessage, ChatJID: "other@g.us", Text: "sneaky"})
	unknown := h.write(t, "family", "messages", "3.json", schema.IPCRequest{Type: schema.IPCMessage, ChatJID: "stranger@g.us", Text: "sneaky"})
	admin := h.write(t, "main", "messages", "1.json", schema.IPCRequest{Type: schema.IPCMessage, ChatJID: "other@g.us", Text: "from main"})
	h.bus.ProcessOnce(context.Background())

	if len(h.messenger.relayed) != 2 {
		t.Fatalf("expected two relays, got %v", h.messenger.relayed)
	}
	got := strings.Join(h.messenger.relayed, ",")
	if !strings.Contains(got, "family@g.us|hello") || !strings.Contains(got, "other@g.us|from main") {
		t.Fatalf("unexpected relays %v", h.messenger.relayed)
	}
	for _, path := range []string{own, cross, unknown, admin} {
		assertGone(t, path)
	}
	if q := h.quarantined(t); len(q) != 0 {
		t.Fatalf("authorization failures must be dropped, not quarantined: %v", q)
	}
	if h.observer.outcomes[OutcomeApplied] != 2 || h.observer.outcomes[OutcomeRejected] != 2 {
		t.Fatalf("unexpected outcomes %v", h.observer.outcomes)
	}
}

func TestMalformedFileQuarantined(t *testing.T) {
	h := newHarness(t, nil)
	bad := h.write(t, "family", "messages", "bad.json", "{not json")
	notype := h.write(t, "family", "tasks", "notype.json", `{"prompt":"x"}`)
	ignored := h.write(t, "family", "tasks", "notes.txt", "not a request")
	h.bus.ProcessOnce(context.Background())

	assertGone(t, bad)
	assertGone(t, notype)
	if _, err := os.Stat(ignored); err != nil {
		t.Fatalf("non-json files must be left alone: %v", err)
	}
	q := strings.Join(h.quarantined(t), ",")
	if !strings.Contains(q, "family-bad.json") || !strings.Contains(q, "family-notype.json") {
		t.Fatalf("unexpected quarantine %q", q)
	}

	// Quarantined files are never re-processed.
	h.bus.ProcessOnce(context.Background())
	if len(h.quarantined(t)) != 2 || h.observer.outcomes[OutcomeQuarantined] != 2 {
		t.Fatalf("quarantine must be terminal: %v %v", h.quarantined(t), h.observer.outcomes)
	}
}

func TestRelayFailureQuarantines(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.fail = errors.New("transport down")
	h.write(t, "family", "messages", "1.json", schema.IPCRequest{Type: schema.IPCMessage, ChatJID: "family@g.us", Text: "hello"})
	h.bus.ProcessOnce(context.Background())
	if q := h.quarantined(t); len(q) != 1 || q[0] != "family-1.json" {
		t.Fatalf("expected quarantine, got %v", q)
	}
}

func TestScheduleTaskCrossTenantRejected(t *testing.T) {
	h := newHarness(t, nil)
	path := h.write(t, "family", "tasks", "1.json", schema.IPCRequest{
		Type:          schema.IPCScheduleTask,
		Prompt:        "exfiltrate",
		ScheduleType:  "interval",
		ScheduleValue: "60000",
		GroupFolder:   "other",
	})
	h.bus.ProcessOnce(context.Background())
	if h.tasks.creates != 0 {
		t.Fatalf("createTask must never be invoked, got %d calls", h.tasks.creates)
	}
	if tasks := h.listTasks(t); len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %+v", tasks)
	}
	assertGone(t, path)
}

func TestScheduleTaskUsesRegistryChat(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	h.bus.now = func() time.Time { return now }
	h.write(t, "family", "tasks", "1.json", schema.IPCRequest{
		Type:          schema.IPCScheduleTask,
		Prompt:        "water the plants",
		ScheduleType:  "cron",
		ScheduleValue: "0 9 * * *",
		ChatJID:       "other@g.us",
		ContextMode:   "group",
	})
	h.write(t, "main", "tasks", "1.json", schema.IPCRequest{
		Type:          schema.IPCScheduleTask,
		Prompt:        "weekly report",
		ScheduleType:  "once",
		ScheduleValue: "2024-07-01T10:00:00Z",
		GroupFolder:   "other",
		ContextMode:   "bogus",
	})
	h.bus.ProcessOnce(context.Background())

	tasks := h.listTasks(t)
	if len(tasks) != 2 {
		t.Fatalf("expected two tasks, got %+v", tasks)
	}
	byFolder := map[schema.GroupFolder]schema.ScheduledTask{}
	for _, task := range tasks {
		byFolder[task.GroupFolder] = task
	}
	family := byFolder["family"]
	if family.ChatJID != "family@g.us" || family.ContextMode != schema.ContextGroup || family.Status != schema.TaskActive {
		t.Fatalf("unexpected family task %+v", family)
	}
	if family.NextRun == nil || !family.NextRun.Equal(time.Date(2024, 6, 16, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run %v", family.NextRun)
	}
	if !strings.HasPrefix(string(family.ID), "task-") {
		t.Fatalf("unexpected id %q", family.ID)
	}
	other := byFolder["other"]
	if other.ChatJID != "other@g.us" || other.ContextMode != schema.ContextIsolated {
		t.Fatalf("unexpected privileged task %+v", other)
	}
}

func TestScheduleTaskInvalidScheduleQuarantined(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "family", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCScheduleTask, Prompt: "p", ScheduleType: "cron", ScheduleValue: "every day"})
	h.write(t, "family", "tasks", "2.json", schema.IPCRequest{Type: schema.IPCScheduleTask, Prompt: "p", ScheduleType: "interval", ScheduleValue: "-1"})
	h.bus.ProcessOnce(context.Background())
	if tasks := h.listTasks(t); len(tasks) != 0 {
		t.Fatalf("invalid schedules must not create tasks: %+v", tasks)
	}
	if q := h.quarantined(t); len(q) != 2 {
		t.Fatalf("expected both requests quarantined, got %v", q)
	}
}

func TestTaskOwnership(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	for _, task := range []schema.ScheduledTask{
		{ID: "task-family", GroupFolder: "family", ChatJID: "family@g.us", Prompt: "p", ScheduleType: schema.ScheduleInterval, ScheduleValue: "60000", NextRun: &next},
		{ID: "task-other", GroupFolder: "other", ChatJID: "other@g.us", Prompt: "p", ScheduleType: schema.ScheduleInterval, ScheduleValue: "60000", NextRun: &next},
	} {
		if err := h.tasks.Store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	h.write(t, "family", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCPauseTask, TaskID: "task-other"})
	h.write(t, "family", "tasks", "2.json", schema.IPCRequest{Type: schema.IPCPauseTask, TaskID: "task-family"})
	h.write(t, "family", "tasks", "3.json", schema.IPCRequest{Type: schema.IPCCancelTask, TaskID: "task-missing"})
	h.bus.ProcessOnce(ctx)

	status := func(id schema.TaskID) schema.TaskStatus {
		task, ok, err := h.tasks.GetTaskByID(ctx, id)
		if err != nil || !ok {
			t.Fatalf("get %s: %v %v", id, ok, err)
		}
		return task.Status
	}
	if status("task-other") != schema.TaskActive {
		t.Fatalf("cross-tenant pause must be rejected")
	}
	if status("task-family") != schema.TaskPaused {
		t.Fatalf("own pause must apply")
	}

	h.write(t, "family", "tasks", "4.json", schema.IPCRequest{Type: schema.IPCResumeTask, TaskID: "task-family"})
	h.write(t, "main", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCCancelTask, TaskID: "task-other"})
	h.bus.ProcessOnce(ctx)
	if status("task-family") != schema.TaskActive {
		t.Fatalf("own resume must apply")
	}
	if _, ok, _ := h.tasks.GetTaskByID(ctx, "task-other"); ok {
		t.Fatalf("privileged cancel must delete the task")
	}
	if q := h.quarantined(t); len(q) != 0 {
		t.Fatalf("ownership failures must be dropped: %v", q)
	}
}

func TestPrivilegedOnlyCommands(t *testing.T) {
	h := newHarness(t, nil)
	for i, kind := range []schema.IPCType{schema.IPCKillContainer, schema.IPCRestartService, schema.IPCRegisterGroup, schema.IPCDenyDM, schema.IPCRefreshGroups, schema.IPCRefreshDiagnostics} {
		h.write(t, "family", "tasks", string(rune('a'+i))+".json", schema.IPCRequest{
			Type:              kind,
			TargetGroupFolder: "other",
			JID:               "123@s.whatsapp.net",
			Name:              "x",
			Folder:            "dm-123",
			Trigger:           "@Andy",
		})
	}
	h.bus.ProcessOnce(context.Background())
	if len(h.killer.killed) != 0 || h.service.restarts != 0 {
		t.Fatalf("non-privileged tenant reached privileged collaborators")
	}
	if _, ok := h.state.Group("123@s.whatsapp.net"); ok {
		t.Fatalf("non-privileged register_group must be rejected")
	}
	if h.observer.outcomes[OutcomeRejected] != 6 {
		t.Fatalf("expected six rejections, got %v", h.observer.outcomes)
	}

	h.write(t, "main", "tasks", "kill.json", schema.IPCRequest{Type: schema.IPCKillContainer, TargetGroupFolder: "other"})
	h.write(t, "main", "tasks", "restart.json", schema.IPCRequest{Type: schema.IPCRestartService})
	h.bus.ProcessOnce(context.Background())
	if len(h.killer.killed) != 1 || h.killer.killed[0] != "other" || h.service.restarts != 1 {
		t.Fatalf("privileged commands not applied: %v %d", h.killer.killed, h.service.restarts)
	}
}

func TestRegisterGroupApprovesPendingDM(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.state.AddPendingDM(schema.PendingDMRequest{JID: "15550001@s.whatsapp.net", Phone: "15550001", RequestedAt: time.Now()}); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	h.write(t, "main", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCRegisterGroup, JID: "15550001@s.whatsapp.net", Name: "Sam", Folder: "dm-15550001", Trigger: "@Andy"})
	h.bus.ProcessOnce(context.Background())

	group, ok := h.state.Group("15550001@s.whatsapp.net")
	if !ok || !group.IsDM || !group.AlwaysProcess || group.Folder != "dm-15550001" {
		t.Fatalf("unexpected registration %+v %v", group, ok)
	}
	if len(h.state.PendingDMs()) != 0 {
		t.Fatalf("pending request must be removed")
	}
	if len(h.messenger.replies) != 1 || !strings.Contains(h.messenger.replies[0], "approved") {
		t.Fatalf("expected approval notice, got %v", h.messenger.replies)
	}
	if _, err := os.Stat(h.paths.LogsDir("dm-15550001")); err != nil {
		t.Fatalf("expected group dir created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.paths.CredentialsDir("dm-15550001"), "gmail-mcp")); err != nil {
		t.Fatalf("expected credential dirs for direct chat: %v", err)
	}
}

func TestDenyDM(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.state.AddPendingDM(schema.PendingDMRequest{JID: "15550002@s.whatsapp.net", Phone: "15550002", RequestedAt: time.Now()}); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	h.write(t, "main", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCDenyDM, JID: "15550002@s.whatsapp.net"})
	h.write(t, "main", "tasks", "2.json", schema.IPCRequest{Type: schema.IPCDenyDM, JID: "nobody@s.whatsapp.net"})
	h.bus.ProcessOnce(context.Background())
	if len(h.state.PendingDMs()) != 0 {
		t.Fatalf("expected pending request denied")
	}
	if h.observer.outcomes[OutcomeApplied] != 2 {
		t.Fatalf("unexpected outcomes %v", h.observer.outcomes)
	}
}

func TestRequestOAuthSendsToRegistryChat(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "family", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCRequestGoogleOAuth, ChatJID: "other@g.us", Service: "gmail"})
	h.write(t, "family", "tasks", "2.json", schema.IPCRequest{Type: schema.IPCRequestGoogleOAuth, GroupFolder: "other"})
	h.bus.ProcessOnce(context.Background())
	if len(h.oauth.calls) != 1 || h.oauth.calls[0] != "family@g.us|family|gmail" {
		t.Fatalf("unexpected oauth calls %v", h.oauth.calls)
	}
	if len(h.messenger.replies) != 1 || !strings.HasPrefix(h.messenger.replies[0], "family@g.us|To connect your Google account") {
		t.Fatalf("unexpected replies %v", h.messenger.replies)
	}
}

func TestRequestOAuthUnavailable(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.OAuth = nil })
	h.write(t, "family", "tasks", "1.json", schema.IPCRequest{Type: schema.IPCRequestGoogleOAuth})
	h.bus.ProcessOnce(context.Background())
	if len(h.messenger.replies) != 1 || !strings.Contains(h.messenger.replies[0], "not available") {
		t.Fatalf("expected unavailable notice, got %v", h.messenger.replies)
	}
}

func TestFileSend(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxFileBytes = 16 })
	groupDir := h.paths.GroupDir("family")
	if err := os.MkdirAll(filepath.Join(groupDir, "out"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(groupDir, "out", "report.txt"), []byte("report"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(groupDir, "big.bin"), []byte(strings.Repeat("x", 64)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	otherDir := h.paths.GroupDir("other")
	if err := os.MkdirAll(otherDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(otherDir, "private.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(filepath.Join(otherDir, "private.txt"), filepath.Join(groupDir, "link.txt")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	h.write(t, "family", "messages", "1.json", schema.IPCRequest{Type: schema.IPCFile, ChatJID: "family@g.us", FilePath: "out/report.txt", Caption: "weekly"})
	h.write(t, "family", "messages", "2.json", schema.IPCRequest{Type: schema.IPCFile, ChatJID: "family@g.us", FilePath: "/workspace/group/out/report.txt"})
	h.write(t, "family", "messages", "3.json", schema.IPCRequest{Type: schema.IPCFile, ChatJID: "family@g.us", FilePath: "../other/private.txt"})
	h.write(t, "family", "messages", "4.json", schema.IPCRequest{Type: schema.IPCFile, ChatJID: "family@g.us", FilePath: "link.txt"})
	h.write(t, "family", "messages", "5.json", schema.IPCRequest{Type: schema.IPCFile, ChatJID: "family@g.us", FilePath: "big.bin"})
	h.write(t, "family", "messages", "6.json", schema.IPCRequest{Type: schema.IPCFile, ChatJID: "other@g.us", FilePath: "out/report.txt"})
	h.bus.ProcessOnce(context.Background())

	if len(h.messenger.files) != 2 {
		t.Fatalf("expected two file sends, got %v", h.messenger.files)
	}
	if !strings.HasSuffix(strings.Split(h.messenger.files[0], "|")[1], filepath.Join("out", "report.txt")) {
		t.Fatalf("unexpected resolved path %v", h.messenger.files)
	}
	if h.observer.outcomes[OutcomeRejected] != 3 {
		t.Fatalf("expected three rejections, got %v", h.observer.outcomes)
	}
	if q := h.quarantined(t); len(q) != 1 || q[0] != "family-5.json" {
		t.Fatalf("expected oversized request quarantined, got %v", q)
	}
}

func TestResolveSendPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ResolveSendPath(dir, "a.txt", 0); err != nil {
		t.Fatalf("expected relative path accepted: %v", err)
	}
	if _, err := ResolveSendPath(dir, "/etc/passwd", 0); !errors.Is(err, schema.ErrPathEscape) {
		t.Fatalf("expected escape for absolute path, got %v", err)
	}
	if _, err := ResolveSendPath(dir, "missing.txt", 0); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected missing file error, got %v", err)
	}
	if _, err := ResolveSendPath(dir, ".", 0); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected directory rejected, got %v", err)
	}
	if _, err := ResolveSendPath(dir, "a.txt", 2); !errors.Is(err, schema.ErrFileTooLarge) {
		t.Fatalf("expected size limit, got %v", err)
	}
}

func TestProcessOnceSkipsReservedDirectories(t *testing.T) {
	h := newHarness(t, nil)
	dir := filepath.Join(h.paths.ErrorsDir(), "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "x.json")
	if err := os.WriteFile(path, []byte(`{"type":"message","chatJid":"family@g.us","text":"hi"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.bus.ProcessOnce(context.Background())
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("errors directory must not be processed: %v", err)
	}
	if len(h.messenger.relayed) != 0 {
		t.Fatalf("unexpected relay %v", h.messenger.relayed)
	}
}

func TestRunRejectsDuplicateStart(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Interval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bus.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for !h.bus.running.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("bus did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.bus.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected duplicate start rejection, got %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bus did not stop")
	}
}
