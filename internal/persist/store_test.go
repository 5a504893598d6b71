package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if len(store.Groups()) != 0 {
		t.Fatalf("expected no groups")
	}
	if store.Session("main") != "" {
		t.Fatalf("expected empty session")
	}
	if !store.DiscoveryCursor().IsZero() {
		t.Fatalf("expected zero cursor")
	}
}

func TestStoreGroupsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	group := schema.RegisteredGroup{Name: "Family", Folder: "family", Trigger: "@Andy"}
	if err := store.RegisterGroup("123@g.us", group); err != nil {
		t.Fatalf("register: %v", err)
	}
	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Group("123@g.us")
	if !ok {
		t.Fatalf("expected group after reload")
	}
	if got.Folder != "family" || got.Name != "Family" {
		t.Fatalf("unexpected group: %+v", got)
	}
	if got.AddedAt.IsZero() {
		t.Fatalf("expected added_at to be set")
	}
	jid, _, ok := reloaded.GroupByFolder("family")
	if !ok || jid != "123@g.us" {
		t.Fatalf("group by folder: %q %v", jid, ok)
	}
}

func TestStoreRegisterRejectsBadFolder(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.RegisterGroup("1@g.us", schema.RegisteredGroup{Name: "x", Folder: "../etc"}); err == nil {
		t.Fatalf("expected folder validation error")
	}
	if err := store.RegisterGroup("", schema.RegisteredGroup{Name: "x", Folder: "ok"}); err == nil {
		t.Fatalf("expected jid validation error")
	}
}

func TestStoreSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession("family", "sess-1"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Session("family"); got != "sess-1" {
		t.Fatalf("expected sess-1, got %q", got)
	}
	if err := reloaded.ClearSession("family"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := reloaded.Session("family"); got != "" {
		t.Fatalf("expected cleared session, got %q", got)
	}
}

func TestStoreCursors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	if err := store.SetDiscoveryCursor(ts); err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if err := store.SetGroupCursor("1@g.us", ts.Add(time.Minute)); err != nil {
		t.Fatalf("group cursor: %v", err)
	}
	if err := store.SetLastAgentTime("1@g.us", ts.Add(2*time.Minute)); err != nil {
		t.Fatalf("agent time: %v", err)
	}
	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.DiscoveryCursor().Equal(ts) {
		t.Fatalf("discovery cursor mismatch: %v", reloaded.DiscoveryCursor())
	}
	got, ok := reloaded.GroupCursor("1@g.us")
	if !ok || !got.Equal(ts.Add(time.Minute)) {
		t.Fatalf("group cursor mismatch: %v %v", got, ok)
	}
	if _, ok := reloaded.GroupCursor("2@g.us"); ok {
		t.Fatalf("expected missing cursor")
	}
	if !reloaded.LastAgentTime("1@g.us").Equal(ts.Add(2 * time.Minute)) {
		t.Fatalf("agent time mismatch")
	}
}

func TestStorePendingDMs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mirror := filepath.Join(dir, "ipc", "main", "pending_dm_requests.json")
	store.SetPendingMirror(mirror)
	req := schema.PendingDMRequest{JID: "15551234567@s.whatsapp.net", SenderName: "Bob"}
	added, err := store.AddPendingDM(req)
	if err != nil || !added {
		t.Fatalf("add pending: %v %v", added, err)
	}
	added, err = store.AddPendingDM(req)
	if err != nil || added {
		t.Fatalf("expected duplicate to be ignored: %v %v", added, err)
	}
	data, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var mirrored []schema.PendingDMRequest
	if err := json.Unmarshal(data, &mirrored); err != nil {
		t.Fatalf("decode mirror: %v", err)
	}
	if len(mirrored) != 1 || mirrored[0].SenderName != "Bob" {
		t.Fatalf("unexpected mirror: %+v", mirrored)
	}
	got, ok, err := store.RemovePendingDM(req.JID)
	if err != nil || !ok || got.SenderName != "Bob" {
		t.Fatalf("remove pending: %+v %v %v", got, ok, err)
	}
	if len(store.PendingDMs()) != 0 {
		t.Fatalf("expected empty pending list")
	}
	if _, ok, _ := store.RemovePendingDM(req.JID); ok {
		t.Fatalf("expected missing pending request")
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, groupsFile), []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, err := NewStore(dir); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "value.json")
	if err := WriteJSON(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files, got %d entries", len(entries))
	}
}
