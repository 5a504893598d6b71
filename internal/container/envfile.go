package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

// AllowedEnvKeys are the only variables passed from the host env file to agents.
var AllowedEnvKeys = []string{
	"CLAUDE_CODE_OAUTH_TOKEN",
	"ANTHROPIC_API_KEY",
	"CLAUDE_MODEL",
	"CLAUDE_FALLBACK_MODEL",
	"OPENAI_API_KEY",
	"OPENAI_MODEL",
	"OPENAI_BASE_URL",
	"FIGMA_ACCESS_TOKEN",
}

// DefaultFallbackModel is forced onto non-privileged tenants.
const DefaultFallbackModel = "claude-haiku-4-5-20251001"

// envPolicy describes how the passthrough env file is derived.
type envPolicy struct {
	Privileged    bool
	FallbackModel string
	ModelOverride string
	Overrides     map[string]string
}

// readEnvFile parses a dotenv file without touching the process
// environment. A missing file yields an empty map.
func readEnvFile(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return map[string]string{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()
	values, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	return values, nil
}

// PassthroughKeys lists the allowlisted variables set in the env file at path.
func PassthroughKeys(path string) ([]string, error) {
	values, err := readEnvFile(path)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, key := range AllowedEnvKeys {
		if values[key] != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// filterEnv keeps allowlisted keys and applies the model policy.
func filterEnv(source map[string]string, policy envPolicy) map[string]string {
	allowed := make(map[string]struct{}, len(AllowedEnvKeys))
	for _, key := range AllowedEnvKeys {
		allowed[key] = struct{}{}
	}
	out := map[string]string{}
	for key, value := range source {
		if _, ok := allowed[key]; ok && value != "" {
			out[key] = value
		}
	}
	for key, value := range policy.Overrides {
		if _, ok := allowed[key]; ok {
			out[key] = value
		}
	}
	switch {
	case policy.ModelOverride != "":
		delete(out, "CLAUDE_FALLBACK_MODEL")
		out["CLAUDE_MODEL"] = policy.ModelOverride
	case !policy.Privileged:
		delete(out, "CLAUDE_MODEL")
		delete(out, "CLAUDE_FALLBACK_MODEL")
		model := policy.FallbackModel
		if model == "" {
			model = DefaultFallbackModel
		}
		out["CLAUDE_MODEL"] = model
	}
	return out
}

// writeEnvDir writes the filtered env file into dir/env.
func writeEnvDir(dir string, values map[string]string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(values[key])
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, "env"), []byte(b.String()), 0o600)
}
