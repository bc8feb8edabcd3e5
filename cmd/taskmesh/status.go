package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kball/taskmesh/internal/cache"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and store counts",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		engine := openEngine(cfg)
		defer engine.Close()

		total, err := engine.Cache().Count()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		incomplete := false
		open, err := engine.Cache().List(cache.ListFilter{Completed: &incomplete})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		shared, err := engine.Cache().List(cache.ListFilter{CollaborativeOnly: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		projects, err := engine.Gateway().Store().ListProjects()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Cache:    %s\n", cfg.CachePath)
		fmt.Printf("Store:    %s\n", cfg.StoreDir)
		fmt.Printf("Tasks:    %d total, %d open, %d shared\n", total, len(open), len(shared))
		fmt.Printf("Projects: %d in store\n", len(projects))
	},
}
