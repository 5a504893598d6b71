package mountsec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chris247474/nanoclaw/schema"
	"pkt.systems/pslog"
)

// ExtraMountPrefix namespaces validated additional mounts inside the container.
const ExtraMountPrefix = "/workspace/extra/"

// Result is the decision for a single requested mount.
type Result struct {
	Allowed           bool
	Reason            string
	RealHostPath      string
	EffectiveReadonly bool
}

// Validator decides which additional mounts may be exposed to containers.
// The allowlist is loaded once and cached for the life of the validator;
// a missing or malformed file rejects every mount.
type Validator struct {
	path string

	once sync.Once
	list *Allowlist
	err  error
}

// NewValidator constructs a validator reading the allowlist at path.
func NewValidator(path string) *Validator {
	return &Validator{path: path}
}

// NewValidatorWithAllowlist constructs a validator with a preloaded allowlist.
// A nil allowlist rejects every mount.
func NewValidatorWithAllowlist(list *Allowlist) *Validator {
	v := &Validator{}
	v.once.Do(func() {
		if list == nil {
			v.err = schema.ErrNoAllowlist
			return
		}
		merged := *list
		merged.BlockedPatterns = mergePatterns(list.BlockedPatterns, DefaultBlockedPatterns)
		v.list = &merged
	})
	return v
}

// Path returns the allowlist location.
func (v *Validator) Path() string {
	return v.path
}

// Allowlist returns the cached allowlist, loading it on first use.
func (v *Validator) Allowlist(ctx context.Context) (*Allowlist, error) {
	v.once.Do(func() {
		log := pslog.Ctx(ctx).With("path", v.path)
		if strings.TrimSpace(v.path) == "" {
			v.err = schema.ErrNoAllowlist
			log.Warn("mount allowlist not configured; additional mounts will be blocked")
			return
		}
		list, err := LoadAllowlist(v.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				v.err = schema.ErrNoAllowlist
				log.Warn("mount allowlist not found; additional mounts will be blocked")
				return
			}
			v.err = fmt.Errorf("%w: %v", schema.ErrNoAllowlist, err)
			log.Error("mount allowlist invalid; additional mounts will be blocked", "err", err)
			return
		}
		v.list = list
		log.Info("mount allowlist loaded", "roots", len(list.AllowedRoots), "blocked_patterns", len(list.BlockedPatterns))
	})
	return v.list, v.err
}

// ValidateMount checks one requested mount. Checks run in order and the
// first failure wins.
func (v *Validator) ValidateMount(ctx context.Context, mount schema.AdditionalMount, privileged bool) Result {
	list, err := v.Allowlist(ctx)
	if err != nil || list == nil {
		return Result{Reason: schema.ErrNoAllowlist.Error()}
	}

	if reason := checkContainerPath(mount.ContainerPath); reason != "" {
		return Result{Reason: reason}
	}

	realPath, err := filepath.EvalSymlinks(expandHome(mount.HostPath))
	if err != nil {
		return Result{Reason: fmt.Sprintf("host path does not exist: %s", mount.HostPath)}
	}
	realPath, err = filepath.Abs(realPath)
	if err != nil {
		return Result{Reason: fmt.Sprintf("host path does not exist: %s", mount.HostPath)}
	}

	if pattern, ok := matchBlocked(realPath, list.BlockedPatterns); ok {
		return Result{Reason: fmt.Sprintf("path matches blocked pattern %q", pattern)}
	}

	root, ok := findRoot(realPath, list.AllowedRoots)
	if !ok {
		return Result{Reason: fmt.Sprintf("path %s is not under any allowed root", realPath)}
	}

	readonly := mount.IsReadonly() || !root.AllowReadWrite || (list.NonMainReadOnly && !privileged)
	return Result{
		Allowed:           true,
		Reason:            fmt.Sprintf("allowed under root %s", root.Path),
		RealHostPath:      realPath,
		EffectiveReadonly: readonly,
	}
}

// ValidateAdditionalMounts filters a batch of requested mounts, logging and
// dropping rejected entries. Accepted mounts are placed under ExtraMountPrefix.
func (v *Validator) ValidateAdditionalMounts(ctx context.Context, mounts []schema.AdditionalMount, label string, privileged bool) []schema.VolumeMount {
	if len(mounts) == 0 {
		return nil
	}
	log := pslog.Ctx(ctx).With("group", label)
	out := make([]schema.VolumeMount, 0, len(mounts))
	for _, mount := range mounts {
		result := v.ValidateMount(ctx, mount, privileged)
		if !result.Allowed {
			log.Warn("additional mount rejected", "host_path", mount.HostPath, "container_path", mount.ContainerPath, "reason", result.Reason)
			continue
		}
		out = append(out, schema.VolumeMount{
			HostPath:      result.RealHostPath,
			ContainerPath: ExtraMountPrefix + path.Clean(mount.ContainerPath),
			Readonly:      result.EffectiveReadonly,
		})
		log.Debug("additional mount validated", "host_path", result.RealHostPath, "container_path", mount.ContainerPath, "readonly", result.EffectiveReadonly)
	}
	return out
}

func checkContainerPath(containerPath string) string {
	trimmed := strings.TrimSpace(containerPath)
	if trimmed == "" {
		return "container path must not be empty"
	}
	if strings.HasPrefix(trimmed, "/") || filepath.IsAbs(trimmed) {
		return "container path must be relative"
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "container path must not contain '..'"
		}
	}
	if strings.ContainsAny(trimmed, ":,") {
		return "container path must not contain ':' or ','"
	}
	if path.Clean(trimmed) == "." {
		return "container path must name a directory below the mount root"
	}
	return ""
}

// matchBlocked reports the first pattern contained in path. Patterns with
// glob syntax are matched against the full path and each path component.
func matchBlocked(realPath string, patterns []string) (string, bool) {
	slashed := filepath.ToSlash(realPath)
	components := strings.Split(strings.Trim(slashed, "/"), "/")
	for _, pattern := range patterns {
		if !hasGlobMeta(pattern) {
			if strings.Contains(slashed, pattern) {
				return pattern, true
			}
			continue
		}
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return pattern, true
		}
		for _, component := range components {
			if ok, _ := doublestar.Match(pattern, component); ok {
				return pattern, true
			}
		}
	}
	return "", false
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func findRoot(realPath string, roots []AllowedRoot) (AllowedRoot, bool) {
	for _, root := range roots {
		rootPath := expandHome(root.Path)
		if resolved, err := filepath.EvalSymlinks(rootPath); err == nil {
			rootPath = resolved
		}
		rootPath, err := filepath.Abs(rootPath)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootPath, realPath)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return root, true
		}
	}
	return AllowedRoot{}, false
}
