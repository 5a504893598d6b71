package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris247474/nanoclaw"
	"github.com/chris247474/nanoclaw/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var enableHTTP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tenant loops, scheduler and mailbox bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger.Info(
				"config loaded",
				"assistant", cfg.AssistantName,
				"groups_dir", cfg.GroupsDir,
				"data_dir", cfg.DataDir,
				"runtime", cfg.Container.Runtime,
				"image", cfg.Container.Image,
			)

			var opts []nanoclaw.ServerOption
			if enableHTTP {
				opts = append(opts, nanoclaw.WithHTTP())
			}
			server, err := nanoclaw.New(cmd.Context(), cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Container.StopTimeout()+5*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if enableHTTP || cfg.HTTP.Enabled {
				logger.Info("http server listening", "addr", cfg.HTTP.Addr)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&enableHTTP, "http", false, "enable the operator HTTP surface")
	return cmd
}
