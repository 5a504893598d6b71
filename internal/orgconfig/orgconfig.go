package orgconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chris247474/nanoclaw/schema"
)

// ErrInvalid marks an organization config that failed validation.
var ErrInvalid = errors.New("invalid org config")

// Organization identifies the organization.
type Organization struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Admin identifies the admin chat by jid or group name.
type Admin struct {
	WhatsAppJID       string `yaml:"whatsapp_jid,omitempty"`
	WhatsAppGroupName string `yaml:"whatsapp_group_name,omitempty"`
	Model             string `yaml:"model,omitempty"`
}

// Credentials are host directories holding a team's Google credentials.
type Credentials struct {
	Gmail    string `yaml:"gmail,omitempty"`
	Calendar string `yaml:"calendar,omitempty"`
	Drive    string `yaml:"drive,omitempty"`
}

// DriveFolder is a shared Drive folder visible to a team.
type DriveFolder struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Access string `yaml:"access"`
}

// Team maps a chat to a team and its credentials.
type Team struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	WhatsAppJID       string        `yaml:"whatsapp_jid,omitempty"`
	WhatsAppGroupName string        `yaml:"whatsapp_group_name,omitempty"`
	Email             string        `yaml:"email,omitempty"`
	Credentials       Credentials   `yaml:"credentials"`
	DriveFolders      []DriveFolder `yaml:"drive_folders,omitempty"`
	Model             string        `yaml:"model,omitempty"`
}

// Config is the multi-team organization config.
type Config struct {
	Organization Organization `yaml:"organization"`
	Admin        Admin        `yaml:"admin"`
	Teams        []Team       `yaml:"teams"`
}

// Load reads the config at path. A missing file returns nil, nil, which
// means personal mode.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read org config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and team id uniqueness.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Organization.ID) == "" || strings.TrimSpace(c.Organization.Name) == "" {
		return fmt.Errorf("%w: organization id and name are required", ErrInvalid)
	}
	if len(c.Teams) == 0 {
		return fmt.Errorf("%w: at least one team is required", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(c.Teams))
	for i, team := range c.Teams {
		if strings.TrimSpace(team.ID) == "" || strings.TrimSpace(team.Name) == "" {
			return fmt.Errorf("%w: team %d needs an id and a name", ErrInvalid, i)
		}
		if _, ok := seen[team.ID]; ok {
			return fmt.Errorf("%w: duplicate team id %q", ErrInvalid, team.ID)
		}
		seen[team.ID] = struct{}{}
		for _, folder := range team.DriveFolders {
			if folder.Access != "read-write" && folder.Access != "read-only" {
				return fmt.Errorf("%w: team %q drive folder %q has access %q", ErrInvalid, team.ID, folder.Name, folder.Access)
			}
		}
	}
	return nil
}

// TeamByJID finds the team mapped to a chat.
func (c *Config) TeamByJID(jid schema.ChatJID) (Team, bool) {
	for _, team := range c.Teams {
		if team.WhatsAppJID != "" && team.WhatsAppJID == string(jid) {
			return team, true
		}
	}
	return Team{}, false
}

// TeamByGroupName finds the team mapped to a chat name.
func (c *Config) TeamByGroupName(name string) (Team, bool) {
	for _, team := range c.Teams {
		if team.WhatsAppGroupName != "" && team.WhatsAppGroupName == name {
			return team, true
		}
	}
	return Team{}, false
}

// IsAdmin reports whether the chat is the organization admin chat.
func (c *Config) IsAdmin(jid schema.ChatJID, name string) bool {
	if c.Admin.WhatsAppJID != "" && c.Admin.WhatsAppJID == string(jid) {
		return true
	}
	return c.Admin.WhatsAppGroupName != "" && c.Admin.WhatsAppGroupName == name
}

// Summaries lists every team's public fields.
func (c *Config) Summaries() []schema.TeamSummary {
	out := make([]schema.TeamSummary, 0, len(c.Teams))
	for _, team := range c.Teams {
		out = append(out, schema.TeamSummary{ID: team.ID, Name: team.Name, Email: team.Email})
	}
	return out
}

// Container paths for mounted Google credentials.
const (
	GmailMountPath    = "/home/node/.gmail-mcp"
	CalendarMountPath = "/home/node/.config/google-calendar-mcp"
	DriveMountPath    = "/home/node/.config/google-drive-mcp"
)

// Resolver implements core.OrgResolver. A nil config resolves every tenant
// to personal mode.
type Resolver struct {
	cfg  *Config
	home string
}

// NewResolver constructs a resolver for cfg.
func NewResolver(cfg *Config) *Resolver {
	home, _ := os.UserHomeDir()
	return &Resolver{cfg: cfg, home: home}
}

// Config returns the loaded config, or nil in personal mode.
func (r *Resolver) Config() *Config {
	if r == nil {
		return nil
	}
	return r.cfg
}

// Resolve maps a tenant to its organization role. The admin chat mounts
// every team's credentials under -<teamId> suffixed paths; a team chat mounts
// its own at the standard paths.
func (r *Resolver) Resolve(jid schema.ChatJID, group schema.RegisteredGroup) schema.OrgContext {
	if r == nil || r.cfg == nil {
		return schema.OrgContext{}
	}
	ctx := schema.OrgContext{OrgName: r.cfg.Organization.Name}
	if r.cfg.IsAdmin(jid, group.Name) {
		ctx.IsAdmin = true
		ctx.Model = r.cfg.Admin.Model
		ctx.AllTeams = r.cfg.Summaries()
		for _, team := range r.cfg.Teams {
			ctx.Credentials = append(ctx.Credentials, r.credentialMounts(team.Credentials, "-"+team.ID)...)
		}
		return ctx
	}
	team, ok := r.cfg.TeamByJID(jid)
	if !ok {
		team, ok = r.cfg.TeamByGroupName(group.Name)
	}
	if !ok {
		return schema.OrgContext{}
	}
	ctx.TeamID = team.ID
	ctx.TeamName = team.Name
	ctx.TeamEmail = team.Email
	ctx.Model = team.Model
	ctx.Credentials = r.credentialMounts(team.Credentials, "")
	return ctx
}

func (r *Resolver) credentialMounts(creds Credentials, suffix string) []schema.VolumeMount {
	var mounts []schema.VolumeMount
	add := func(hostPath, containerPath string) {
		if strings.TrimSpace(hostPath) == "" {
			return
		}
		mounts = append(mounts, schema.VolumeMount{HostPath: r.expand(hostPath), ContainerPath: containerPath + suffix})
	}
	add(creds.Gmail, GmailMountPath)
	add(creds.Calendar, CalendarMountPath)
	add(creds.Drive, DriveMountPath)
	return mounts
}

func (r *Resolver) expand(path string) string {
	if r.home == "" {
		return path
	}
	if path == "~" {
		return r.home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(r.home, path[2:])
	}
	return path
}
