package mountsec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBlockedPatterns are always merged into the allowlist.
var DefaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".gpg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	"credentials",
	".env",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_ed25519",
	"private_key",
	".secret",
}

// AllowedRoot is a host directory tree that may be mounted.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

// Allowlist controls which additional mounts tenants may request.
type Allowlist struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`
}

// DefaultAllowlistPath returns the standard allowlist location. It lives
// outside every mountable tree so no container can rewrite it.
func DefaultAllowlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "nanoclaw", "mount-allowlist.json"), nil
}

// LoadAllowlist reads and validates an allowlist file. The returned
// allowlist has the default blocked patterns merged in.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAllowlist(data)
}

// ParseAllowlist validates the allowlist shape strictly: allowedRoots and
// blockedPatterns must be arrays and nonMainReadOnly must be a boolean.
func ParseAllowlist(data []byte) (*Allowlist, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("allowlist is not a JSON object: %w", err)
	}
	if !isJSONKind(raw["allowedRoots"], '[') {
		return nil, errors.New("allowedRoots must be an array")
	}
	if !isJSONKind(raw["blockedPatterns"], '[') {
		return nil, errors.New("blockedPatterns must be an array")
	}
	if !isJSONBool(raw["nonMainReadOnly"]) {
		return nil, errors.New("nonMainReadOnly must be a boolean")
	}
	var list Allowlist
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	for i, root := range list.AllowedRoots {
		if strings.TrimSpace(root.Path) == "" {
			return nil, fmt.Errorf("allowedRoots[%d].path is required", i)
		}
	}
	list.BlockedPatterns = mergePatterns(list.BlockedPatterns, DefaultBlockedPatterns)
	return &list, nil
}

// Template returns a starter allowlist document.
func Template() ([]byte, error) {
	list := Allowlist{
		AllowedRoots: []AllowedRoot{
			{Path: "~/projects", AllowReadWrite: true, Description: "Development projects"},
			{Path: "~/repos", AllowReadWrite: true, Description: "Git repositories"},
			{Path: "~/Documents/work", AllowReadWrite: false, Description: "Work documents (read-only)"},
		},
		BlockedPatterns: []string{"password", "secret", "token"},
		NonMainReadOnly: true,
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteTemplate writes the starter allowlist to path.
func WriteTemplate(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultAllowlistPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("allowlist already exists at %s", path)
		}
	}
	data, err := Template()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func isJSONKind(value json.RawMessage, open byte) bool {
	trimmed := strings.TrimSpace(string(value))
	return trimmed != "" && trimmed[0] == open
}

func isJSONBool(value json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(value))
	return trimmed == "true" || trimmed == "false"
}

func mergePatterns(custom, defaults []string) []string {
	seen := make(map[string]struct{}, len(custom)+len(defaults))
	out := make([]string, 0, len(custom)+len(defaults))
	for _, list := range [][]string{defaults, custom} {
		for _, pattern := range list {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			if _, ok := seen[pattern]; ok {
				continue
			}
			seen[pattern] = struct{}{}
			out = append(out, pattern)
		}
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
