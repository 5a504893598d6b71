package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris247474/nanoclaw"
	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/internal/mountsec"
	"github.com/chris247474/nanoclaw/internal/orgconfig"
	"github.com/chris247474/nanoclaw/internal/outbox"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/internal/store"
	"github.com/chris247474/nanoclaw/schema"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var skipRuntime bool
	var commandTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			if !skipRuntime {
				if err := checkRuntime(cmd.Context(), logger, cfg, commandTimeout); err != nil {
					return err
				}
			}
			if err := checkStore(cmd.Context(), logger, cfg); err != nil {
				return err
			}
			if err := checkState(logger, cfg); err != nil {
				return err
			}
			if err := checkAllowlist(logger, cfg); err != nil {
				return err
			}
			if err := checkOrg(logger, cfg); err != nil {
				return err
			}
			if err := checkOutbox(logger, cfg); err != nil {
				return err
			}
			keys, err := container.PassthroughKeys(cfg.EnvFile)
			if err != nil {
				return fmt.Errorf("doctor env file: %w", err)
			}
			if len(keys) == 0 {
				logger.Warn("doctor env file has no agent credentials", "path", cfg.EnvFile)
			} else {
				logger.Info("doctor env file ok", "path", cfg.EnvFile, "keys", strings.Join(keys, ","))
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&skipRuntime, "skip-runtime", false, "skip container runtime and image checks")
	cmd.Flags().DurationVar(&commandTimeout, "command-timeout", 15*time.Second, "timeout for runtime commands")
	return cmd
}

func checkRuntime(ctx context.Context, logger pslog.Logger, cfg appconfig.Config, timeout time.Duration) error {
	rt, err := container.NewRuntime(cfg.Container.Runtime, cfg.Container.Binary)
	if err != nil {
		return err
	}
	binary, err := exec.LookPath(rt.Binary())
	if err != nil {
		return fmt.Errorf("doctor runtime %s: %w", rt.Name(), err)
	}
	logger.Info("doctor runtime ok", "runtime", rt.Name(), "binary", binary)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(runCtx, binary, "image", "inspect", cfg.Container.Image).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 200 {
			detail = detail[len(detail)-200:]
		}
		return fmt.Errorf("doctor agent image %s not available: %w: %s", cfg.Container.Image, err, detail)
	}
	logger.Info("doctor agent image ok", "image", cfg.Container.Image)
	return nil
}

func checkStore(ctx context.Context, logger pslog.Logger, cfg appconfig.Config) error {
	path := filepath.Join(cfg.StoreDir, nanoclaw.StoreFile)
	db, err := store.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("doctor store: %w", err)
	}
	defer func() { _ = db.Close() }()
	version, err := db.Version(ctx)
	if err != nil {
		return fmt.Errorf("doctor store version: %w", err)
	}
	tasks, err := db.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("doctor store tasks: %w", err)
	}
	logger.Info("doctor store ok", "path", path, "schema_version", version, "tasks", len(tasks))
	return nil
}

func checkState(logger pslog.Logger, cfg appconfig.Config) error {
	state, err := persist.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("doctor state: %w", err)
	}
	groups := state.Groups()
	if _, _, ok := state.GroupByFolder(schema.GroupFolder(cfg.MainGroupFolder)); !ok {
		logger.Warn("doctor main group not registered", "folder", cfg.MainGroupFolder)
	}
	logger.Info("doctor state ok", "dir", cfg.DataDir, "groups", len(groups), "pending_dms", len(state.PendingDMs()))
	return nil
}

func checkAllowlist(logger pslog.Logger, cfg appconfig.Config) error {
	list, err := mountsec.LoadAllowlist(cfg.MountAllowlistPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("doctor mount allowlist missing; additional mounts will be blocked", "path", cfg.MountAllowlistPath)
			return nil
		}
		return fmt.Errorf("doctor mount allowlist: %w", err)
	}
	logger.Info("doctor mount allowlist ok", "path", cfg.MountAllowlistPath, "roots", len(list.AllowedRoots), "non_main_read_only", list.NonMainReadOnly)
	return nil
}

func checkOrg(logger pslog.Logger, cfg appconfig.Config) error {
	org, err := orgconfig.Load(cfg.OrgConfigPath)
	if err != nil {
		return fmt.Errorf("doctor org config: %w", err)
	}
	if org == nil {
		logger.Info("doctor org config absent; personal mode", "path", cfg.OrgConfigPath)
		return nil
	}
	logger.Info("doctor org config ok", "org", org.Organization.ID, "teams", len(org.Teams))
	return nil
}

func checkOutbox(logger pslog.Logger, cfg appconfig.Config) error {
	spool, err := outbox.New(cfg.Transport.OutboxDir, "")
	if err != nil {
		return fmt.Errorf("doctor outbox: %w", err)
	}
	if !spool.Connected() {
		return fmt.Errorf("doctor outbox %s is not writable", spool.Dir())
	}
	pending, err := spool.Pending()
	if err != nil {
		return fmt.Errorf("doctor outbox: %w", err)
	}
	if len(pending) > 0 {
		logger.Warn("doctor outbox has undelivered messages; is the chat bridge running?", "dir", spool.Dir(), "pending", len(pending))
		return nil
	}
	logger.Info("doctor outbox ok", "dir", spool.Dir())
	return nil
}
