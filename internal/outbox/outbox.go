// Package outbox is a spool-directory chat transport. Every outbound message
// or file becomes one JSON envelope in the spool; an external chat bridge
// delivers and deletes them, and writes inbound traffic to the message store.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/schema"
)

// Envelope kinds.
const (
	KindMessage = "message"
	KindFile    = "file"
)

// Envelope is one outbound request waiting for the bridge.
type Envelope struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ChatJID   schema.ChatJID `json:"chatJid"`
	Text      string         `json:"text,omitempty"`
	FilePath  string         `json:"filePath,omitempty"`
	Caption   string         `json:"caption,omitempty"`
	FileName  string         `json:"fileName,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Spool writes envelopes into a directory. NamesFile, when set, is a JSON
// object of chat JID to group name maintained by the bridge.
type Spool struct {
	dir       string
	namesFile string
	now       func() time.Time
}

// New creates the spool directory if needed.
func New(dir, namesFile string) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("outbox: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("outbox: create %s: %w", dir, err)
	}
	return &Spool{dir: dir, namesFile: namesFile, now: time.Now}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// SendMessage spools a text message.
func (s *Spool) SendMessage(ctx context.Context, jid schema.ChatJID, text string) error {
	if jid == "" {
		return errors.New("outbox: chat jid is required")
	}
	return s.write(ctx, Envelope{Kind: KindMessage, ChatJID: jid, Text: text})
}

// SendFile spools a file delivery. The path must be absolute since the
// bridge does not share the host working directory.
func (s *Spool) SendFile(ctx context.Context, jid schema.ChatJID, path, caption, fileName string) error {
	if jid == "" {
		return errors.New("outbox: chat jid is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("outbox: file path %q is not absolute", path)
	}
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	return s.write(ctx, Envelope{Kind: KindFile, ChatJID: jid, FilePath: path, Caption: caption, FileName: fileName})
}

// Connected reports whether the spool directory is writable.
func (s *Spool) Connected() bool {
	info, err := os.Stat(s.dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return unix.Access(s.dir, unix.W_OK) == nil
}

// GroupNames reads the bridge's group name file. A missing file yields an
// empty map.
func (s *Spool) GroupNames(ctx context.Context) (map[schema.ChatJID]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := map[schema.ChatJID]string{}
	if s.namesFile == "" {
		return names, nil
	}
	data, err := os.ReadFile(s.namesFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return names, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("outbox: parse %s: %w", s.namesFile, err)
	}
	return names, nil
}

// Pending lists envelopes not yet taken by the bridge, oldest first.
func (s *Spool) Pending() ([]Envelope, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Envelope, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("outbox: parse %s: %w", name, err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *Spool) write(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.ID = uuid.NewString()
	env.CreatedAt = s.now().UTC()
	name := fmt.Sprintf("%013d-%s.json", env.CreatedAt.UnixMilli(), env.ID)
	return persist.WriteJSON(filepath.Join(s.dir, name), env)
}
