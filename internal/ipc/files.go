package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chris247474/nanoclaw/schema"
)

// containerGroupDir is where the tenant workspace appears inside the sandbox.
const containerGroupDir = "/workspace/group"

// ResolveSendPath maps a file named by an agent onto the host, confined to
// groupDir after resolving symlinks. Paths may be relative to the workspace
// or use the in-sandbox /workspace/group prefix.
func ResolveSendPath(groupDir, requested string, maxBytes int64) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", invalid("empty file path")
	}
	if requested == containerGroupDir || strings.HasPrefix(requested, containerGroupDir+"/") {
		requested = strings.TrimPrefix(strings.TrimPrefix(requested, containerGroupDir), "/")
	}
	root, err := filepath.Abs(groupDir)
	if err != nil {
		return "", err
	}
	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(root, candidate) {
		return "", escapeError(requested)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve group dir: %w", err)
	}
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", invalid("file %s does not exist", requested)
		}
		return "", err
	}
	if !within(realRoot, real) {
		return "", escapeError(requested)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", invalid("%s is not a regular file", requested)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return "", fmt.Errorf("%s is %d bytes (limit %d): %w", requested, info.Size(), maxBytes, schema.ErrFileTooLarge)
	}
	return real, nil
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// escapeError is both a path escape and an authorization failure, so the
// request is dropped rather than quarantined.
func escapeError(requested string) error {
	return fmt.Errorf("file %s: %w: %w", requested, schema.ErrPathEscape, schema.ErrUnauthorized)
}
