package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/echolabs/echo-dispatch/pkg/audit"
	"github.com/echolabs/echo-dispatch/pkg/config"
)

func newAuditCmd() *cobra.Command {
	var configPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent dispatch outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			l, err := audit.New(cfg.Audit)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			entries, err := l.Recent(context.Background(), limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No dispatch records.")
				return nil
			}

			fmt.Printf("%-20s %-10s %-8s %-22s %-6s %8s\n",
				"TIME", "CALLER", "CLASS", "OUTCOME", "CACHE", "LATENCY")
			for _, e := range entries {
				cache := "-"
				if e.CacheHit {
					cache = "hit"
				}
				outcome := e.Outcome
				if e.Streamed {
					outcome += " (stream)"
				}
				fmt.Printf("%-20s %-10s %-8s %-22s %-6s %6dms\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					e.CallerPrefix, e.Class, outcome, cache, e.LatencyMs)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "echo.yaml", "path to config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of records to show")
	return cmd
}
