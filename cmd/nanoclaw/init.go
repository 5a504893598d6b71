package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/internal/mountsec"
	"pkt.systems/pslog"
)

func newInitCmd() *cobra.Command {
	var cfgPath string
	var overwrite bool
	var withAllowlist bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the directory layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			path, err := appconfig.WriteDefault(cfgPath, overwrite)
			if err != nil {
				return err
			}
			logger.Info("init wrote", "path", path, "name", "config.yaml")

			cfg, err := appconfig.Load(path)
			if err != nil {
				return err
			}
			if err := createLayout(cfg); err != nil {
				return err
			}
			logger.Info("init created layout", "groups_dir", cfg.GroupsDir, "data_dir", cfg.DataDir, "store_dir", cfg.StoreDir)

			if withAllowlist {
				written, err := mountsec.WriteTemplate(cfg.MountAllowlistPath, overwrite)
				if err != nil {
					return err
				}
				logger.Info("init wrote", "path", written, "name", "mount-allowlist.json")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&withAllowlist, "allowlist", false, "also write a mount allowlist template")
	return cmd
}

func createLayout(cfg appconfig.Config) error {
	dirs := []string{
		filepath.Join(cfg.GroupsDir, cfg.MainGroupFolder, "logs"),
		filepath.Join(cfg.GroupsDir, "global"),
		filepath.Join(cfg.DataDir, "ipc"),
		cfg.StoreDir,
		cfg.Transport.OutboxDir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
