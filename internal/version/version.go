package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "github.com/chris247474/nanoclaw"

// buildVersion is set via -ldflags "-X github.com/chris247474/nanoclaw/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	GoVersion string `json:"go_version"`
	Dirty     bool   `json:"dirty,omitempty"`
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	info, _ := debug.ReadBuildInfo()
	return resolve(info, false)
}

// Describe returns version, module and VCS details for the running binary.
func Describe() Info {
	info, _ := debug.ReadBuildInfo()
	out := Info{
		Version:   resolve(info, true),
		Module:    defaultModule,
		GoVersion: runtime.Version(),
	}
	if info == nil {
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	vcs := readVCS(info)
	out.Revision = vcs.revision
	out.Dirty = vcs.modified
	return out
}

func resolve(info *debug.BuildInfo, includeDirty bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return trimDirty(v, includeDirty)
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return trimDirty(v, includeDirty)
		}
		if v := pseudoFromBuildInfo(info); v != "" {
			return trimDirty(v, includeDirty)
		}
	}
	return "v0.0.0-unknown"
}

func trimDirty(v string, includeDirty bool) string {
	if includeDirty {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoFromBuildInfo builds a Go-style pseudo version from VCS stamps,
// marking modified trees with +dirty.
func pseudoFromBuildInfo(info *debug.BuildInfo) string {
	if info == nil {
		return ""
	}
	vcs := readVCS(info)
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}
