package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the board synchronization server",
	Long: `Start the authoritative board synchronization server.

The server holds the board in memory, applies client mutations one at a
time, and broadcasts every confirmed change to all other connected clients.

Endpoints:
  ws://host:port/ws       websocket connection for clients
  http://host:port/health liveness probe with the connection count

Example usage:
  boardsync serve                    # Listen on the configured port (default 3001)
  boardsync serve --port 9000        # Listen on a custom port
  boardsync serve --seed board.yaml  # Start from a custom board seed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("seed") {
			cfg.Server.SeedFile, _ = cmd.Flags().GetString("seed")
		}

		logger := cfg.NewLogger()

		var seed board.Board
		if cfg.Server.SeedFile != "" {
			seed, err = board.LoadSeedFile(cfg.Server.SeedFile)
			if err != nil {
				return err
			}
			logger.WithField("file", cfg.Server.SeedFile).Info("loaded board seed")
		}

		srv := server.New(&server.Config{
			Port:          cfg.Server.Port,
			SendQueueSize: cfg.Server.SendQueueSize,
			WriteTimeout:  cfg.Server.WriteTimeout,
			Seed:          seed,
			Logger:        logger,
		})

		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Board sync server started on %s\n", srv.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", srv.Addr())
		fmt.Printf("Health check: http://%s/health\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 3001, "Port to listen on")
	serveCmd.Flags().String("seed", "", "YAML file with the initial board")

	rootCmd.AddCommand(serveCmd)
}
