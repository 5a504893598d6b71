package outbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRequiresDir(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}

func TestSpoolOrdersEnvelopes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	spool, err := New(dir, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	tick := 0
	spool.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	ctx := context.Background()
	if err := spool.SendMessage(ctx, "family@g.us", "Andy: hi"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := spool.SendFile(ctx, "family@g.us", "/srv/groups/family/report.pdf", "weekly", ""); err != nil {
		t.Fatalf("send file: %v", err)
	}
	pending, err := spool.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(pending))
	}
	if pending[0].Kind != KindMessage || pending[0].Text != "Andy: hi" {
		t.Fatalf("unexpected first envelope %+v", pending[0])
	}
	if pending[1].Kind != KindFile || pending[1].FileName != "report.pdf" || pending[1].Caption != "weekly" {
		t.Fatalf("unexpected second envelope %+v", pending[1])
	}
	if pending[0].ID == "" || pending[0].ID == pending[1].ID {
		t.Fatalf("expected distinct ids")
	}
	if !spool.Connected() {
		t.Fatalf("expected writable spool to be connected")
	}
}

func TestSpoolRejectsBadRequests(t *testing.T) {
	spool, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := spool.SendMessage(ctx, "", "hi"); err == nil {
		t.Fatalf("expected missing jid error")
	}
	if err := spool.SendFile(ctx, "a@g.us", "relative.txt", "", ""); err == nil {
		t.Fatalf("expected relative path error")
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := spool.SendMessage(canceled, "a@g.us", "hi"); err == nil {
		t.Fatalf("expected canceled context error")
	}
}

func TestConnectedFalseWhenDirRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	spool, err := New(dir, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if spool.Connected() {
		t.Fatalf("expected disconnected spool")
	}
}

func TestGroupNames(t *testing.T) {
	dir := t.TempDir()
	namesFile := filepath.Join(dir, "group_names.json")
	spool, err := New(filepath.Join(dir, "outbox"), namesFile)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	names, err := spool.GroupNames(context.Background())
	if err != nil || len(names) != 0 {
		t.Fatalf("expected empty names for missing file, got %v %v", names, err)
	}
	if err := os.WriteFile(namesFile, []byte(`{"family@g.us":"Family"}`), 0o600); err != nil {
		t.Fatalf("write names: %v", err)
	}
	names, err = spool.GroupNames(context.Background())
	if err != nil {
		t.Fatalf("group names: %v", err)
	}
	if names["family@g.us"] != "Family" {
		t.Fatalf("unexpected names %v", names)
	}
	if err := os.WriteFile(namesFile, []byte(`[`), 0o600); err != nil {
		t.Fatalf("write names: %v", err)
	}
	if _, err := spool.GroupNames(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}
