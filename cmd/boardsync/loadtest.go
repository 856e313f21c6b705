package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Drive simulated users against a running server",
	Long: `Connect a set of simulated users to a running board sync server and
issue a mix of moves, creates, updates and deletes, measuring the latency
of each acknowledged operation.

Rejections under contention (two users racing on the same task) are
expected and counted separately from errors.

Example usage:
  boardsync loadtest                            # 10 users, 20 ops each
  boardsync loadtest --users 50 --ops 100       # Heavier run
  boardsync loadtest --url ws://host:3001/ws    # Remote server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ltCfg := loadtest.DefaultConfig()
		ltCfg.URL = cfg.Client.URL
		ltCfg.RequestTimeout = cfg.Client.RequestTimeout
		ltCfg.Logger = cfg.NewLogger()
		if cmd.Flags().Changed("url") {
			ltCfg.URL, _ = cmd.Flags().GetString("url")
		}
		ltCfg.Users, _ = cmd.Flags().GetInt("users")
		ltCfg.OpsPerUser, _ = cmd.Flags().GetInt("ops")
		ltCfg.Seed, _ = cmd.Flags().GetInt64("seed")

		fmt.Printf("Running %d users x %d ops against %s...\n",
			ltCfg.Users, ltCfg.OpsPerUser, ltCfg.URL)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		start := time.Now()
		stats, err := loadtest.Run(ctx, ltCfg)
		if err != nil {
			return fmt.Errorf("load test failed: %w", err)
		}

		fmt.Printf("\nCompleted in %v\n%s\n", time.Since(start).Round(time.Millisecond), stats)
		return nil
	},
}

func init() {
	loadtestCmd.Flags().String("url", "", "Server websocket URL (default from config)")
	loadtestCmd.Flags().Int("users", 10, "Number of concurrent simulated users")
	loadtestCmd.Flags().Int("ops", 20, "Operations per user")
	loadtestCmd.Flags().Int64("seed", 42, "Random seed for the operation mix")

	rootCmd.AddCommand(loadtestCmd)
}
