// Command taskmesh runs the collaborative task sync engine: a local
// SQLite task cache kept consistent with a shared document store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kball/taskmesh/internal/config"
	"github.com/kball/taskmesh/internal/lifecycle"
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Collaborative task sync engine",
	Long: `taskmesh keeps a local task cache in sync with a shared project store.

Point store_dir in the config at a folder shared with your collaborators
(network mount, synced directory). The daemon watches the shared store,
mirrors project tasks into the local cache, and pushes your completion
edits back for everyone else to see.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(respondCmd)
}

// loadConfig loads configuration or exits with a message.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openEngine assembles an engine or exits with a message. The caller
// must Close it.
func openEngine(cfg *config.Config) *lifecycle.Engine {
	engine, err := lifecycle.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return engine
}

// requireMember returns the configured member id or exits.
func requireMember(cfg *config.Config) string {
	if cfg.MemberID == "" {
		fmt.Fprintf(os.Stderr, "Error: member_id is not configured (run 'taskmesh init' and edit the config)\n")
		os.Exit(1)
	}
	return cfg.MemberID
}
