package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chris247474/nanoclaw/schema"
)

// DefaultMaxOutputBytes caps each captured stream.
const DefaultMaxOutputBytes = 10 * 1024 * 1024

// cappedBuffer accumulates up to limit bytes and silently discards the rest
// while still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
	total     int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if b.truncated {
		return len(p), nil
	}
	remaining := b.limit - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}

func (b *cappedBuffer) Len() int {
	return len(b.buf)
}

// ParseOutput extracts the result JSON from agent stdout. The payload sits
// between the sentinel markers; without markers the last non-blank line is used.
func ParseOutput(stdout string) (schema.ContainerOutput, error) {
	payload := extractPayload(stdout)
	if payload == "" {
		return schema.ContainerOutput{}, errors.New("no output")
	}
	var out schema.ContainerOutput
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return schema.ContainerOutput{}, err
	}
	if out.Status != schema.OutputSuccess && out.Status != schema.OutputError {
		return schema.ContainerOutput{}, fmt.Errorf("unknown status %q", out.Status)
	}
	return out, nil
}

// FormatOutput renders a result the way the agent writes it.
func FormatOutput(out schema.ContainerOutput) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return schema.OutputStartMarker + "\n" + string(data) + "\n" + schema.OutputEndMarker + "\n", nil
}

func extractPayload(stdout string) string {
	lines := strings.Split(stdout, "\n")
	start := -1
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if start < 0 {
			if line == schema.OutputStartMarker {
				start = i
			}
			continue
		}
		// Markers only count on their own line; JSON never spans lines.
		if line == schema.OutputEndMarker {
			return strings.TrimSpace(strings.Join(lines[start+1:i], "\n"))
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

// tail returns at most max trailing bytes of value, trimmed of surrounding space.
func tail(value string, max int) string {
	value = strings.TrimSpace(value)
	if max > 0 && len(value) > max {
		value = value[len(value)-max:]
	}
	return value
}
