package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine until interrupted",
	Long: `Start the sync engine for the configured member.

The daemon:
  1. Subscribes to the member's project list
  2. Opens a task stream per project and mirrors tasks into the cache
  3. Pushes local completion edits back to the shared store
  4. Serves sync events over WebSocket when events_port is set`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		member := requireMember(cfg)

		engine := openEngine(cfg)
		defer engine.Close()

		if err := engine.Start(member); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync engine running for %s (store: %s)\n", member, cfg.StoreDir)
		if cfg.EventsPort > 0 {
			fmt.Printf("Event stream: ws://localhost:%d/ws\n", cfg.EventsPort)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		fmt.Println("\nShutting down...")
	},
}
