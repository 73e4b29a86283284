package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/echolabs/echo-dispatch/pkg/audit"
	cachepkg "github.com/echolabs/echo-dispatch/pkg/cache"
	"github.com/echolabs/echo-dispatch/pkg/clock"
	"github.com/echolabs/echo-dispatch/pkg/config"
	"github.com/echolabs/echo-dispatch/pkg/dispatch"
	"github.com/echolabs/echo-dispatch/pkg/provider"
	"github.com/echolabs/echo-dispatch/pkg/ratelimit"
	"github.com/echolabs/echo-dispatch/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			clk := clock.New()

			limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Window, clk)
			defer limiter.Close()

			var store *cachepkg.Store
			if cfg.Cache.Enabled {
				store = cachepkg.New(cfg.Cache.MaxEntries, clk)
			}

			var auditor *audit.Logger
			if cfg.Audit.Enabled {
				auditor, err = audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = auditor.Close() }()
			}

			pool := provider.NewPool(cfg)
			if !pool.Available() {
				log.Printf("warning: no provider credentials configured; dispatches will fail")
			}

			pipeline := dispatch.New(cfg, limiter, store, pool, auditor, clk)
			srv := server.New(cfg, pipeline)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("starting echo-dispatch with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "echo.yaml", "path to config file")
	return cmd
}
