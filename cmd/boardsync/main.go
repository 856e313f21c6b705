// Command boardsync runs the realtime task board synchronization server
// and a terminal client for it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "Realtime task board synchronization",
	Long: `boardsync keeps a shared kanban board in sync across connected clients.

One server process owns the authoritative board state in memory. Clients
connect over a websocket, apply their changes optimistically, and receive
everyone else's changes live. Conflicts are resolved last-writer-wins by
timestamp. State is not persisted; the board resets when the server
restarts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./boardsync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
