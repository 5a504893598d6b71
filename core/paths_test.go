package core

import (
	"path/filepath"
	"testing"
)

func TestPathsLayout(t *testing.T) {
	paths, err := NewPaths("/srv/project", "/srv/project/groups", "/srv/project/data")
	if err != nil {
		t.Fatalf("new paths: %v", err)
	}
	cases := []struct {
		got  string
		want string
	}{
		{paths.GroupDir("alpha"), "/srv/project/groups/alpha"},
		{paths.LogsDir("alpha"), "/srv/project/groups/alpha/logs"},
		{paths.IPCDir("alpha"), "/srv/project/data/ipc/alpha"},
		{paths.ErrorsDir(), "/srv/project/data/ipc/errors"},
		{paths.SessionDir("alpha"), "/srv/project/data/sessions/alpha/.claude"},
		{paths.EnvDir("alpha"), "/srv/project/data/env/alpha"},
		{paths.CredentialsDir("alpha"), "/srv/project/groups/alpha/.credentials"},
		{paths.SessionFile("alpha", "abc"), filepath.Join("/srv/project/data/sessions/alpha/.claude/projects/-workspace-group", "abc.jsonl")},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, tc.got)
		}
	}
}

func TestNewPathsRequiresDirs(t *testing.T) {
	if _, err := NewPaths("", "", "/data"); err == nil {
		t.Fatalf("expected error for missing groups dir")
	}
	if _, err := NewPaths("", "/groups", ""); err == nil {
		t.Fatalf("expected error for missing data dir")
	}
	paths, err := NewPaths("", "/groups", "/data")
	if err != nil {
		t.Fatalf("new paths: %v", err)
	}
	if paths.ProjectRoot != "" {
		t.Fatalf("expected empty project root, got %q", paths.ProjectRoot)
	}
}
