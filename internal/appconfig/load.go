package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chris247474/nanoclaw/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("assistant_name", cfg.AssistantName)
	v.SetDefault("timezone", cfg.Timezone)
	v.SetDefault("project_root", cfg.ProjectRoot)
	v.SetDefault("groups_dir", cfg.GroupsDir)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("store_dir", cfg.StoreDir)
	v.SetDefault("main_group_folder", cfg.MainGroupFolder)
	v.SetDefault("org_config_path", cfg.OrgConfigPath)
	v.SetDefault("mount_allowlist_path", cfg.MountAllowlistPath)
	v.SetDefault("env_file", cfg.EnvFile)
	v.SetDefault("container.runtime", cfg.Container.Runtime)
	v.SetDefault("container.binary", cfg.Container.Binary)
	v.SetDefault("container.image", cfg.Container.Image)
	v.SetDefault("container.memory", cfg.Container.Memory)
	v.SetDefault("container.timeout_ms", cfg.Container.TimeoutMS)
	v.SetDefault("container.max_output_bytes", cfg.Container.MaxOutputBytes)
	v.SetDefault("container.stop_timeout_ms", cfg.Container.StopTimeoutMS)
	v.SetDefault("container.verbose_logs", cfg.Container.VerboseLogs)
	v.SetDefault("container.fallback_model", cfg.Container.FallbackModel)
	v.SetDefault("poll.messages_ms", cfg.Poll.MessagesMS)
	v.SetDefault("poll.scheduler_ms", cfg.Poll.SchedulerMS)
	v.SetDefault("poll.ipc_ms", cfg.Poll.IPCMS)
	v.SetDefault("http.enabled", cfg.HTTP.Enabled)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("notify.retry_attempts", cfg.Notify.RetryAttempts)
	v.SetDefault("notify.rate_per_second", cfg.Notify.RatePerSecond)
	v.SetDefault("notify.burst", cfg.Notify.Burst)
	v.SetDefault("service.restart_command", cfg.Service.RestartCommand)
	v.SetDefault("transport.outbox_dir", cfg.Transport.OutboxDir)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.AssistantName) == "" {
		return fmt.Errorf("assistant_name is required")
	}
	if strings.ContainsAny(cfg.AssistantName, ": \t\n") {
		return fmt.Errorf("assistant_name must be a single word without colons")
	}
	if err := schema.ValidateGroupFolder(schema.GroupFolder(cfg.MainGroupFolder)); err != nil {
		return fmt.Errorf("main_group_folder %q: %w", cfg.MainGroupFolder, err)
	}
	if strings.TrimSpace(cfg.GroupsDir) == "" || strings.TrimSpace(cfg.DataDir) == "" || strings.TrimSpace(cfg.StoreDir) == "" {
		return fmt.Errorf("groups_dir, data_dir and store_dir are required")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
		}
	}
	switch strings.ToLower(cfg.Container.Runtime) {
	case "docker", "apple", "container", "auto", "":
	default:
		return fmt.Errorf("unsupported container.runtime %q", cfg.Container.Runtime)
	}
	if cfg.Container.TimeoutMS < 0 || cfg.Container.StopTimeoutMS < 0 || cfg.Container.MaxOutputBytes < 0 {
		return fmt.Errorf("container timeouts and output cap must not be negative")
	}
	if cfg.Poll.MessagesMS <= 0 || cfg.Poll.SchedulerMS <= 0 || cfg.Poll.IPCMS <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required when http.enabled is set")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.ProjectRoot = expandEnv(cfg.ProjectRoot)
	cfg.GroupsDir = expandEnv(cfg.GroupsDir)
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.StoreDir = expandEnv(cfg.StoreDir)
	cfg.OrgConfigPath = expandEnv(cfg.OrgConfigPath)
	cfg.MountAllowlistPath = expandEnv(cfg.MountAllowlistPath)
	cfg.EnvFile = expandEnv(cfg.EnvFile)
	cfg.Container.Binary = expandEnv(cfg.Container.Binary)
	cfg.Transport.OutboxDir = expandEnv(cfg.Transport.OutboxDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
