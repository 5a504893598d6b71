package appconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion      int             `mapstructure:"config_version" yaml:"config_version"`
	AssistantName      string          `mapstructure:"assistant_name" yaml:"assistant_name"`
	Timezone           string          `mapstructure:"timezone" yaml:"timezone"`
	ProjectRoot        string          `mapstructure:"project_root" yaml:"project_root"`
	GroupsDir          string          `mapstructure:"groups_dir" yaml:"groups_dir"`
	DataDir            string          `mapstructure:"data_dir" yaml:"data_dir"`
	StoreDir           string          `mapstructure:"store_dir" yaml:"store_dir"`
	MainGroupFolder    string          `mapstructure:"main_group_folder" yaml:"main_group_folder"`
	OrgConfigPath      string          `mapstructure:"org_config_path" yaml:"org_config_path"`
	MountAllowlistPath string          `mapstructure:"mount_allowlist_path" yaml:"mount_allowlist_path"`
	EnvFile            string          `mapstructure:"env_file" yaml:"env_file"`
	Container          ContainerConfig `mapstructure:"container" yaml:"container"`
	Poll               PollConfig      `mapstructure:"poll" yaml:"poll"`
	HTTP               HTTPConfig      `mapstructure:"http" yaml:"http"`
	Notify             NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Service            ServiceConfig   `mapstructure:"service" yaml:"service"`
	Transport          TransportConfig `mapstructure:"transport" yaml:"transport"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ContainerConfig controls how agent containers are launched.
type ContainerConfig struct {
	Runtime        string `mapstructure:"runtime" yaml:"runtime"`
	Binary         string `mapstructure:"binary" yaml:"binary"`
	Image          string `mapstructure:"image" yaml:"image"`
	Memory         string `mapstructure:"memory" yaml:"memory"`
	TimeoutMS      int64  `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	MaxOutputBytes int    `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	StopTimeoutMS  int64  `mapstructure:"stop_timeout_ms" yaml:"stop_timeout_ms"`
	VerboseLogs    bool   `mapstructure:"verbose_logs" yaml:"verbose_logs"`
	FallbackModel  string `mapstructure:"fallback_model" yaml:"fallback_model"`
}

// PollConfig sets loop intervals in milliseconds.
type PollConfig struct {
	MessagesMS  int64 `mapstructure:"messages_ms" yaml:"messages_ms"`
	SchedulerMS int64 `mapstructure:"scheduler_ms" yaml:"scheduler_ms"`
	IPCMS       int64 `mapstructure:"ipc_ms" yaml:"ipc_ms"`
}

// HTTPConfig configures the operator HTTP surface.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NotifyConfig tunes outbound chat delivery.
type NotifyConfig struct {
	RetryAttempts uint    `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// ServiceConfig controls host service management.
type ServiceConfig struct {
	RestartCommand string `mapstructure:"restart_command" yaml:"restart_command"`
}

// TransportConfig configures the spool the chat bridge reads outbound
// messages from.
type TransportConfig struct {
	OutboxDir string `mapstructure:"outbox_dir" yaml:"outbox_dir"`
}

// Timeout returns the container run timeout.
func (c ContainerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// StopTimeout returns the graceful stop timeout.
func (c ContainerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// Messages returns the message loop interval.
func (c PollConfig) Messages() time.Duration {
	return time.Duration(c.MessagesMS) * time.Millisecond
}

// Scheduler returns the scheduler interval.
func (c PollConfig) Scheduler() time.Duration {
	return time.Duration(c.SchedulerMS) * time.Millisecond
}

// IPC returns the mailbox poll interval.
func (c PollConfig) IPC() time.Duration {
	return time.Duration(c.IPCMS) * time.Millisecond
}

// Location resolves the configured timezone; empty means the host zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	root := filepath.Join(home, ".nanoclaw")
	return Config{
		ConfigVersion:      CurrentConfigVersion,
		AssistantName:      "Andy",
		Timezone:           "",
		ProjectRoot:        root,
		GroupsDir:          filepath.Join(root, "groups"),
		DataDir:            filepath.Join(root, "data"),
		StoreDir:           filepath.Join(root, "store"),
		MainGroupFolder:    "main",
		OrgConfigPath:      filepath.Join(root, "org.yaml"),
		MountAllowlistPath: filepath.Join(home, ".config", "nanoclaw", "mount-allowlist.json"),
		EnvFile:            filepath.Join(root, ".env"),
		Container: ContainerConfig{
			Runtime:        "auto",
			Binary:         "",
			Image:          "nanoclaw-agent:latest",
			Memory:         "4g",
			TimeoutMS:      300000,
			MaxOutputBytes: 10 << 20,
			StopTimeoutMS:  15000,
			VerboseLogs:    false,
			FallbackModel:  "claude-haiku-4-5-20251001",
		},
		Poll: PollConfig{
			MessagesMS:  2000,
			SchedulerMS: 60000,
			IPCMS:       1000,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:27490",
		},
		Notify: NotifyConfig{
			RetryAttempts: 3,
			RatePerSecond: 5,
			Burst:         10,
		},
		Service: ServiceConfig{
			RestartCommand: "",
		},
		Transport: TransportConfig{
			OutboxDir: filepath.Join(root, "data", "outbox"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nanoclaw", "config.yaml"), nil
}
