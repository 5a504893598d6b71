package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/schema"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"allowlist", "doctor", "groups", "init", "serve", "tasks", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing command %q", name)
		}
	}
}

func TestGroupFlags(t *testing.T) {
	tests := []struct {
		name  string
		group schema.RegisteredGroup
		want  string
	}{
		{name: "main", group: schema.RegisteredGroup{Folder: "main"}, want: "main"},
		{name: "plain", group: schema.RegisteredGroup{Folder: "family"}, want: "-"},
		{name: "dm", group: schema.RegisteredGroup{Folder: "dm-1", IsDM: true, AlwaysProcess: true}, want: "always,dm"},
	}
	for _, tc := range tests {
		if got := groupFlags(tc.group, "main"); got != tc.want {
			t.Fatalf("%s: groupFlags = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate("ääääääääää", 5); got != "ääää…" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestWriteTasks(t *testing.T) {
	next := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := writeTasks(&buf, []schema.ScheduledTask{{
		ID:            "task-1",
		GroupFolder:   "family",
		ScheduleType:  schema.ScheduleCron,
		ScheduleValue: "0 9 * * *",
		Status:        schema.TaskActive,
		NextRun:       &next,
		Prompt:        "water the plants",
	}})
	if err != nil {
		t.Fatalf("write tasks: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"ID", "task-1", "family", "cron 0 9 * * *", "active", "water the plants"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func writeTestConfig(t *testing.T) (string, appconfig.Config) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("NANOCLAW_TEST_ROOT", root)
	path := filepath.Join(root, "config.yaml")
	body := strings.Join([]string{
		"config_version: 1",
		"project_root: $NANOCLAW_TEST_ROOT",
		"groups_dir: $NANOCLAW_TEST_ROOT/groups",
		"data_dir: $NANOCLAW_TEST_ROOT/data",
		"store_dir: $NANOCLAW_TEST_ROOT/store",
		"org_config_path: $NANOCLAW_TEST_ROOT/org.yaml",
		"mount_allowlist_path: $NANOCLAW_TEST_ROOT/allowlist.json",
		"env_file: $NANOCLAW_TEST_ROOT/.env",
		"transport:",
		"  outbox_dir: $NANOCLAW_TEST_ROOT/data/outbox",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := appconfig.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return path, cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAllowlistInitAndCheck(t *testing.T) {
	path, cfg := writeTestConfig(t)
	if _, err := run(t, "allowlist", "init", "-c", path); err != nil {
		t.Fatalf("allowlist init: %v", err)
	}
	if _, err := os.Stat(cfg.MountAllowlistPath); err != nil {
		t.Fatalf("expected allowlist file: %v", err)
	}
	if _, err := run(t, "allowlist", "init", "-c", path); err == nil {
		t.Fatalf("expected second init to refuse overwrite")
	}

	out, err := run(t, "allowlist", "check", "-c", path, "--folder", "family", t.TempDir())
	if err == nil {
		t.Fatalf("expected temp dir outside allowed roots to be rejected")
	}
	if !strings.Contains(out, "rejected:") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestGroupsListReadsState(t *testing.T) {
	path, cfg := writeTestConfig(t)
	if err := createLayout(cfg); err != nil {
		t.Fatalf("layout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.GroupsDir, "global")); err != nil {
		t.Fatalf("expected global dir: %v", err)
	}
	out, err := run(t, "groups", "list", "-c", path)
	if err != nil {
		t.Fatalf("groups list: %v", err)
	}
	if !strings.HasPrefix(out, "FOLDER") {
		t.Fatalf("unexpected output %q", out)
	}
	out, err = run(t, "tasks", "list", "-c", path)
	if err != nil {
		t.Fatalf("tasks list: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Fatalf("unexpected output %q", out)
	}
}
