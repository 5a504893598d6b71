package container

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/chris247474/nanoclaw/schema"
)

// Runtime builds command lines for a container CLI.
type Runtime interface {
	Name() string
	Binary() string
	RunArgs(name, image, memory string, mounts []schema.VolumeMount) []string
	StopArgs(name string) []string
}

const (
	RuntimeDocker = "docker"
	RuntimeApple  = "apple"
	RuntimeAuto   = "auto"
)

// NewRuntime selects a runtime by name. "auto" prefers Apple's container
// CLI on darwin when it is installed.
func NewRuntime(kind, binary string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case RuntimeDocker:
		return DockerRuntime{Bin: binary}, nil
	case RuntimeApple, "container":
		return AppleRuntime{Bin: binary}, nil
	case RuntimeAuto, "":
		return NewRuntime(DetectRuntime(), binary)
	default:
		return nil, fmt.Errorf("unsupported container runtime %q", kind)
	}
}

// DetectRuntime returns the runtime name to use on this host.
func DetectRuntime() string {
	if runtime.GOOS == "darwin" {
		if _, err := exec.LookPath("container"); err == nil {
			return RuntimeApple
		}
	}
	return RuntimeDocker
}

// DockerRuntime drives the docker CLI (or a docker-compatible CLI such as podman).
type DockerRuntime struct {
	Bin string
}

func (r DockerRuntime) Name() string { return RuntimeDocker }

func (r DockerRuntime) Binary() string {
	if r.Bin != "" {
		return r.Bin
	}
	return "docker"
}

func (r DockerRuntime) RunArgs(name, image, memory string, mounts []schema.VolumeMount) []string {
	args := baseRunArgs(name, memory)
	for _, mount := range mounts {
		spec := mount.HostPath + ":" + mount.ContainerPath
		if mount.Readonly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	return append(args, image)
}

func (r DockerRuntime) StopArgs(name string) []string {
	return []string{"stop", name}
}

// AppleRuntime drives Apple's container CLI.
type AppleRuntime struct {
	Bin string
}

func (r AppleRuntime) Name() string { return RuntimeApple }

func (r AppleRuntime) Binary() string {
	if r.Bin != "" {
		return r.Bin
	}
	return "container"
}

func (r AppleRuntime) RunArgs(name, image, memory string, mounts []schema.VolumeMount) []string {
	args := baseRunArgs(name, memory)
	for _, mount := range mounts {
		if mount.Readonly {
			args = append(args, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s,readonly", mount.HostPath, mount.ContainerPath))
			continue
		}
		args = append(args, "-v", mount.HostPath+":"+mount.ContainerPath)
	}
	return append(args, image)
}

func (r AppleRuntime) StopArgs(name string) []string {
	return []string{"stop", name}
}

func baseRunArgs(name, memory string) []string {
	args := []string{"run", "-i", "--rm"}
	if memory != "" {
		args = append(args, "-m", memory)
	}
	return append(args, "--name", name)
}

// containerName builds a unique, CLI-safe container name for a tenant run.
func containerName(folder schema.GroupFolder, unixMillis int64) string {
	var b strings.Builder
	for _, r := range string(folder) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return fmt.Sprintf("nanoclaw-%s-%d", b.String(), unixMillis)
}
