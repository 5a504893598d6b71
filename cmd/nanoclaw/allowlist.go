package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/internal/mountsec"
	"github.com/chris247474/nanoclaw/schema"
	"pkt.systems/pslog"
)

func newAllowlistCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Manage the mount allowlist",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newAllowlistInitCmd(&cfgPath))
	cmd.AddCommand(newAllowlistCheckCmd(&cfgPath))

	return cmd
}

func newAllowlistInitCmd(cfgPath *string) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a template allowlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			path, err := mountsec.WriteTemplate(cfg.MountAllowlistPath, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("allowlist template written", "path", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing allowlist")
	return cmd
}

func newAllowlistCheckCmd(cfgPath *string) *cobra.Command {
	var containerPath string
	var folder string
	var readWrite bool
	cmd := &cobra.Command{
		Use:   "check <host-path>",
		Short: "Check whether a host path may be mounted for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			if err := schema.ValidateGroupFolder(schema.GroupFolder(folder)); err != nil {
				return err
			}
			readonly := !readWrite
			mount := schema.AdditionalMount{
				HostPath:      args[0],
				ContainerPath: containerPath,
				Readonly:      &readonly,
			}
			privileged := folder == cfg.MainGroupFolder
			validator := mountsec.NewValidator(cfg.MountAllowlistPath)
			result := validator.ValidateMount(cmd.Context(), mount, privileged)
			out := cmd.OutOrStdout()
			if !result.Allowed {
				_, _ = fmt.Fprintf(out, "rejected: %s\n", result.Reason)
				return fmt.Errorf("mount %s rejected for %s", args[0], folder)
			}
			mode := "rw"
			if result.EffectiveReadonly {
				mode = "ro"
			}
			_, err = fmt.Fprintf(out, "allowed: %s -> %s%s (%s)\n%s\n", result.RealHostPath, mountsec.ExtraMountPrefix, containerPath, mode, result.Reason)
			return err
		},
	}
	cmd.Flags().StringVar(&containerPath, "container-path", "data", "path under /workspace/extra/")
	cmd.Flags().StringVar(&folder, "folder", "main", "tenant folder requesting the mount")
	cmd.Flags().BoolVar(&readWrite, "rw", false, "request a read-write mount")
	return cmd
}
