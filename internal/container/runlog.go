package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

const runLogStderrBytes = 500

func verboseFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug", "trace":
		return true
	default:
		return false
	}
}

// runLogName returns the log file name for a run started at ts.
func runLogName(ts time.Time) string {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(ts.UTC().Format(time.RFC3339Nano))
	return "container-" + stamp + ".log"
}

// writeRunLog writes one log file per run. Verbose logs carry the full
// input, command line, mounts and streams; otherwise a summary is written.
func writeRunLog(dir string, started time.Time, group schema.RegisteredGroup, input schema.ContainerInput, res *runResult, verbose bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	failed := res.timedOut || res.canceled || res.exitCode != 0
	var b strings.Builder
	b.WriteString("=== Container Run Log ===\n")
	fmt.Fprintf(&b, "Timestamp: %s\n", started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Group: %s\n", group.Name)
	fmt.Fprintf(&b, "Folder: %s\n", group.Folder)
	fmt.Fprintf(&b, "Container: %s\n", res.name)
	fmt.Fprintf(&b, "IsMain: %t\n", input.IsMain)
	fmt.Fprintf(&b, "Duration: %dms\n", res.duration.Milliseconds())
	fmt.Fprintf(&b, "Exit Code: %d\n", res.exitCode)
	if res.signal != "" {
		fmt.Fprintf(&b, "Signal: %s\n", res.signal)
	}
	fmt.Fprintf(&b, "Timed Out: %t\n", res.timedOut)
	fmt.Fprintf(&b, "Stdout Truncated: %t\n", res.stdout.truncated)
	fmt.Fprintf(&b, "Stderr Truncated: %t\n", res.stderr.truncated)
	b.WriteString("\n")

	if verbose {
		b.WriteString("=== Input ===\n")
		b.WriteString(input.Prompt)
		b.WriteString("\n\n=== Container Args ===\n")
		b.WriteString(strings.Join(res.args, " "))
		b.WriteString("\n\n=== Mounts ===\n")
		for _, mount := range res.mounts {
			mode := ""
			if mount.Readonly {
				mode = " (ro)"
			}
			fmt.Fprintf(&b, "%s -> %s%s\n", mount.HostPath, mount.ContainerPath, mode)
		}
		b.WriteString("\n=== Stderr ===\n")
		b.WriteString(res.stderr.String())
		b.WriteString("\n\n=== Stdout ===\n")
		b.WriteString(res.stdout.String())
		b.WriteString("\n")
	} else {
		b.WriteString("=== Input Summary ===\n")
		fmt.Fprintf(&b, "Prompt length: %d chars\n", len(input.Prompt))
		session := string(input.SessionID)
		if session == "" {
			session = "new"
		}
		fmt.Fprintf(&b, "Session ID: %s\n", session)
		b.WriteString("\n=== Mounts ===\n")
		for _, mount := range res.mounts {
			mode := ""
			if mount.Readonly {
				mode = " (ro)"
			}
			fmt.Fprintf(&b, "%s%s\n", mount.ContainerPath, mode)
		}
		if failed {
			b.WriteString("\n=== Stderr (last 500 bytes) ===\n")
			b.WriteString(tail(res.stderr.String(), runLogStderrBytes))
			b.WriteString("\n")
		}
	}
	return os.WriteFile(filepath.Join(dir, runLogName(started)), []byte(b.String()), 0o644)
}
