package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "messages.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	s, err = Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	version, err := s.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion, version)
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.StoreChat(context.Background(), "a@g.us", "A", time.Now()); err != nil {
		t.Fatalf("store chat: %v", err)
	}
}

func TestStoreChatKeepsNewestTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newer := mustTime(t, "2025-01-01T00:00:00Z")
	if err := s.StoreChat(ctx, "group@g.us", "Group", newer); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreChat(ctx, "group@g.us", "Group", mustTime(t, "2024-06-01T00:00:00Z")); err != nil {
		t.Fatalf("store older: %v", err)
	}
	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 || !chats[0].LastMessageTime.Equal(newer) {
		t.Fatalf("unexpected chats %+v", chats)
	}
	if err := s.StoreChat(ctx, "other@g.us", "", mustTime(t, "2025-06-01T00:00:00Z")); err != nil {
		t.Fatalf("store other: %v", err)
	}
	if err := s.UpdateChatName(ctx, "group@g.us", "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	chats, err = s.ListChats(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 2 || chats[0].Name != "other@g.us" || chats[1].Name != "Renamed" {
		t.Fatalf("unexpected ordering or names %+v", chats)
	}
	if !chats[1].LastMessageTime.Equal(newer) {
		t.Fatalf("rename must not change timestamp: %v", chats[1].LastMessageTime)
	}
}

func TestMessagesExcludeBotPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msgs := []schema.Message{
		{ID: "m1", ChatJID: "group1@g.us", Sender: "u@s.whatsapp.net", SenderName: "User", Content: "user msg", Timestamp: mustTime(t, "2025-01-10T10:00:00Z")},
		{ID: "m2", ChatJID: "group1@g.us", Sender: "bot", SenderName: "Bot", Content: "Andy: response", Timestamp: mustTime(t, "2025-01-10T11:00:00Z"), FromMe: true},
		{ID: "m3", ChatJID: "group2@g.us", Sender: "v@s.whatsapp.net", SenderName: "User2", Content: "another user msg", Timestamp: mustTime(t, "2025-01-10T12:00:00Z"), MediaType: "image", MediaPath: "/tmp/x.jpg"},
	}
	for _, msg := range msgs {
		if err := s.StoreMessage(ctx, msg); err != nil {
			t.Fatalf("store message: %v", err)
		}
	}
	since := mustTime(t, "2025-01-01T00:00:00Z")
	got, err := s.NewMessages(ctx, []schema.ChatJID{"group1@g.us", "group2@g.us"}, since, "Andy:")
	if err != nil {
		t.Fatalf("new messages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "user msg" || got[1].Content != "another user msg" {
		t.Fatalf("unexpected messages %+v", got)
	}
	if got[1].MediaType != "image" || got[1].MediaPath != "/tmp/x.jpg" {
		t.Fatalf("media fields lost: %+v", got[1])
	}
	none, err := s.NewMessages(ctx, nil, since, "Andy:")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no messages without jids: %v %v", none, err)
	}
	one, err := s.MessagesSince(ctx, "group1@g.us", since, "Andy:")
	if err != nil {
		t.Fatalf("messages since: %v", err)
	}
	if len(one) != 1 || one[0].ID != "m1" {
		t.Fatalf("unexpected chat messages %+v", one)
	}
	all, err := s.MessagesSince(ctx, "group1@g.us", since, "")
	if err != nil || len(all) != 2 || !all[1].FromMe {
		t.Fatalf("expected both messages without prefix filter: %+v %v", all, err)
	}
	latest, err := s.LatestMessageTime(ctx)
	if err != nil || latest == nil || !latest.Equal(mustTime(t, "2025-01-10T12:00:00Z")) {
		t.Fatalf("unexpected latest time %v %v", latest, err)
	}
}

func TestGroupSync(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts, err := s.LastGroupSync(ctx)
	if err != nil || ts != nil {
		t.Fatalf("expected no sync, got %v %v", ts, err)
	}
	now := mustTime(t, "2025-02-01T08:00:00Z")
	if err := s.SetLastGroupSync(ctx, now); err != nil {
		t.Fatalf("set sync: %v", err)
	}
	ts, err = s.LastGroupSync(ctx)
	if err != nil || ts == nil || !ts.Equal(now) {
		t.Fatalf("unexpected sync %v %v", ts, err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	next := mustTime(t, "2024-06-15T09:00:00Z")
	task := schema.ScheduledTask{
		ID:            "task-1",
		GroupFolder:   "family",
		ChatJID:       "1@g.us",
		Prompt:        "water the plants",
		ScheduleType:  schema.ScheduleCron,
		ScheduleValue: "0 9 * * *",
		NextRun:       &next,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, ok, err := s.GetTaskByID(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got.Status != schema.TaskActive || got.ContextMode != schema.ContextIsolated {
		t.Fatalf("expected defaults, got %+v", got)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Fatalf("next run mismatch %v", got.NextRun)
	}
	if _, ok, err := s.GetTaskByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing task: %v %v", ok, err)
	}

	due, err := s.GetDueTasks(ctx, next.Add(-time.Minute))
	if err != nil || len(due) != 0 {
		t.Fatalf("expected nothing due yet: %v %v", due, err)
	}
	due, err = s.GetDueTasks(ctx, next)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected due task: %v %v", due, err)
	}

	paused := schema.TaskPaused
	if err := s.UpdateTask(ctx, "task-1", schema.TaskUpdate{Status: &paused}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	due, err = s.GetDueTasks(ctx, next.Add(time.Hour))
	if err != nil || len(due) != 0 {
		t.Fatalf("paused task must not be due: %v %v", due, err)
	}
	if err := s.UpdateTask(ctx, "task-1", schema.TaskUpdate{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if err := s.UpdateTask(ctx, "missing", schema.TaskUpdate{Status: &paused}); !errors.Is(err, schema.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	following := next.Add(24 * time.Hour)
	if err := s.UpdateTaskAfterRun(ctx, "task-1", &following, "done"); err != nil {
		t.Fatalf("after run: %v", err)
	}
	got, _, _ = s.GetTaskByID(ctx, "task-1")
	if got.Status != schema.TaskPaused || got.LastResult != "done" || got.LastRun == nil {
		t.Fatalf("unexpected task after run %+v", got)
	}
	if err := s.UpdateTaskAfterRun(ctx, "task-1", nil, "final"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _, _ = s.GetTaskByID(ctx, "task-1")
	if got.Status != schema.TaskCompleted || got.NextRun != nil {
		t.Fatalf("expected completed task, got %+v", got)
	}
}

func TestTaskRunLogsAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateTask(ctx, schema.ScheduledTask{ID: "task-1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p", ScheduleType: schema.ScheduleOnce, ScheduleValue: "2024-06-15T09:00:00Z"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	base := mustTime(t, "2024-06-15T09:00:00Z")
	for i := 0; i < 3; i++ {
		run := schema.TaskRunLog{TaskID: "task-1", RunAt: base.Add(time.Duration(i) * time.Hour), DurationMS: 10, Status: schema.RunSuccess, Result: "ok"}
		if err := s.LogTaskRun(ctx, run); err != nil {
			t.Fatalf("log run: %v", err)
		}
	}
	runs, err := s.TaskRunLogs(ctx, "task-1", 2)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || !runs[0].RunAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("expected newest two runs, got %+v", runs)
	}
	tasks, err := s.TasksForGroup(ctx, "family")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks for group: %v %v", tasks, err)
	}
	if err := s.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	runs, err = s.TaskRunLogs(ctx, "task-1", 10)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected run logs removed: %v %v", runs, err)
	}
	if err := s.DeleteTask(ctx, "task-1"); !errors.Is(err, schema.ErrTaskNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
