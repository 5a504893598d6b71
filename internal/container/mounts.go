package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/mountsec"
	"github.com/chris247474/nanoclaw/schema"
)

// Container-side mount points.
const (
	ProjectMountPath = "/workspace/project"
	GroupMountPath   = "/workspace/group"
	GlobalMountPath  = "/workspace/global"
	IPCMountPath     = "/workspace/ipc"
	EnvMountPath     = "/workspace/env-dir"
	SessionMountPath = "/home/node/.claude"
)

// credentialDirs maps per-tenant credential folders to their container paths.
var credentialDirs = []struct {
	name      string
	homePath  string
	container string
}{
	{name: "gmail-mcp", homePath: ".gmail-mcp", container: "/home/node/.gmail-mcp"},
	{name: "google-calendar-mcp", homePath: filepath.Join(".config", "google-calendar-mcp"), container: "/home/node/.config/google-calendar-mcp"},
	{name: "google-drive-mcp", homePath: filepath.Join(".config", "google-drive-mcp"), container: "/home/node/.config/google-drive-mcp"},
}

// PrepareCredentialDirs creates the tenant's empty credential folders so a
// later OAuth flow has somewhere to write.
func PrepareCredentialDirs(paths core.Paths, folder schema.GroupFolder) error {
	for _, dir := range credentialDirs {
		if err := os.MkdirAll(filepath.Join(paths.CredentialsDir(folder), dir.name), 0o700); err != nil {
			return err
		}
	}
	return nil
}

// MountRequest is the input shared by every mount construction step.
type MountRequest struct {
	Group schema.RegisteredGroup
	Input schema.ContainerInput
	Org   schema.OrgContext
}

// MountStep is a named stage of mount construction.
type MountStep struct {
	Name  string
	Build func(ctx context.Context, req MountRequest) ([]schema.VolumeMount, error)
}

// MountConfig configures the mount builder.
type MountConfig struct {
	Paths         core.Paths
	HomeDir       string
	EnvFile       string
	FallbackModel string
}

// MountBuilder assembles the volume list for a run from ordered steps:
// workspace, credentials, session, ipc, env, extra.
type MountBuilder struct {
	cfg       MountConfig
	validator *mountsec.Validator
	steps     []MountStep
}

// NewMountBuilder constructs a builder. A nil validator rejects all extra mounts.
func NewMountBuilder(cfg MountConfig, validator *mountsec.Validator) *MountBuilder {
	if validator == nil {
		validator = mountsec.NewValidatorWithAllowlist(nil)
	}
	b := &MountBuilder{cfg: cfg, validator: validator}
	b.steps = []MountStep{
		{Name: "workspace", Build: b.workspaceMounts},
		{Name: "credentials", Build: b.credentialMounts},
		{Name: "session", Build: b.sessionMounts},
		{Name: "ipc", Build: b.ipcMounts},
		{Name: "env", Build: b.envMounts},
		{Name: "extra", Build: b.extraMounts},
	}
	return b
}

// Steps returns the step names in build order.
func (b *MountBuilder) Steps() []string {
	names := make([]string, 0, len(b.steps))
	for _, step := range b.steps {
		names = append(names, step.Name)
	}
	return names
}

// Build runs every step and concatenates the results.
func (b *MountBuilder) Build(ctx context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	var mounts []schema.VolumeMount
	for _, step := range b.steps {
		out, err := step.Build(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("mount step %s: %w", step.Name, err)
		}
		mounts = append(mounts, out...)
	}
	return mounts, nil
}

func (b *MountBuilder) workspaceMounts(_ context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	paths := b.cfg.Paths
	groupDir := paths.GroupDir(req.Group.Folder)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, err
	}
	if req.Input.IsMain {
		var mounts []schema.VolumeMount
		if paths.ProjectRoot != "" {
			mounts = append(mounts, schema.VolumeMount{HostPath: paths.ProjectRoot, ContainerPath: ProjectMountPath})
		}
		return append(mounts, schema.VolumeMount{HostPath: groupDir, ContainerPath: GroupMountPath}), nil
	}
	mounts := []schema.VolumeMount{{HostPath: groupDir, ContainerPath: GroupMountPath}}
	if dirExists(paths.GlobalDir()) {
		mounts = append(mounts, schema.VolumeMount{HostPath: paths.GlobalDir(), ContainerPath: GlobalMountPath, Readonly: true})
	}
	return mounts, nil
}

func (b *MountBuilder) credentialMounts(_ context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	if req.Org.Active() {
		var mounts []schema.VolumeMount
		for _, mount := range req.Org.Credentials {
			if dirExists(mount.HostPath) {
				mounts = append(mounts, mount)
			}
		}
		return mounts, nil
	}
	base := b.cfg.Paths.CredentialsDir(req.Group.Folder)
	var mounts []schema.VolumeMount
	for _, cred := range credentialDirs {
		hostPath := filepath.Join(base, cred.name)
		if dirExists(hostPath) {
			mounts = append(mounts, schema.VolumeMount{HostPath: hostPath, ContainerPath: cred.container})
			continue
		}
		if req.Input.IsMain && b.cfg.HomeDir != "" {
			homePath := filepath.Join(b.cfg.HomeDir, cred.homePath)
			if dirExists(homePath) {
				mounts = append(mounts, schema.VolumeMount{HostPath: homePath, ContainerPath: cred.container})
			}
		}
	}
	return mounts, nil
}

func (b *MountBuilder) sessionMounts(_ context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	dir := b.cfg.Paths.SessionDir(req.Group.Folder)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return []schema.VolumeMount{{HostPath: dir, ContainerPath: SessionMountPath}}, nil
}

func (b *MountBuilder) ipcMounts(_ context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	dir := b.cfg.Paths.IPCDir(req.Group.Folder)
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return []schema.VolumeMount{{HostPath: dir, ContainerPath: IPCMountPath}}, nil
}

func (b *MountBuilder) envMounts(_ context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	source, err := readEnvFile(b.cfg.EnvFile)
	if err != nil {
		return nil, err
	}
	policy := envPolicy{
		Privileged:    req.Input.IsMain,
		FallbackModel: b.cfg.FallbackModel,
		ModelOverride: req.Org.Model,
	}
	if req.Group.ContainerConfig != nil {
		policy.Overrides = req.Group.ContainerConfig.Env
	}
	values := filterEnv(source, policy)
	if len(values) == 0 {
		return nil, nil
	}
	dir := b.cfg.Paths.EnvDir(req.Group.Folder)
	if err := writeEnvDir(dir, values); err != nil {
		return nil, err
	}
	return []schema.VolumeMount{{HostPath: dir, ContainerPath: EnvMountPath, Readonly: true}}, nil
}

func (b *MountBuilder) extraMounts(ctx context.Context, req MountRequest) ([]schema.VolumeMount, error) {
	if req.Group.ContainerConfig == nil || len(req.Group.ContainerConfig.AdditionalMounts) == 0 {
		return nil, nil
	}
	return b.validator.ValidateAdditionalMounts(ctx, req.Group.ContainerConfig.AdditionalMounts, req.Group.Name, req.Input.IsMain), nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
