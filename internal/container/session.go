package container

import (
	"os"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/schema"
)

// SessionExists reports whether the transcript for a stored session is
// still on disk, which is required for the agent to resume it.
func SessionExists(paths core.Paths, folder schema.GroupFolder, id schema.SessionID) bool {
	if id == "" {
		return false
	}
	info, err := os.Stat(paths.SessionFile(folder, id))
	return err == nil && !info.IsDir()
}

// ValidateSession returns id when it can be resumed. Stale ids are
// cleared from the store and an empty id is returned.
func ValidateSession(paths core.Paths, store core.SessionStore, folder schema.GroupFolder) (schema.SessionID, error) {
	id := store.Session(folder)
	if id == "" {
		return "", nil
	}
	if SessionExists(paths, folder, id) {
		return id, nil
	}
	return "", store.ClearSession(folder)
}
