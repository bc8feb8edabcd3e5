package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage shared projects",
}

var projectCreateDescription string

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a shared project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		member := requireMember(cfg)

		engine := openEngine(cfg)
		defer engine.Close()

		p, err := engine.Gateway().CreateProject(context.Background(), args[0], projectCreateDescription, member)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating project: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created project %s (%s)\n", p.ID, p.Name)
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project and all its tasks",
	Long: `Delete a project you own.

Every task under the project is deleted from the shared store in
batches, then the project itself. Cached records are removed and the
project's sync subscription is cancelled.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		member := requireMember(cfg)
		projectID := args[0]

		engine := openEngine(cfg)
		defer engine.Close()

		if err := engine.Gateway().DeleteProjectCascade(context.Background(), projectID, member); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting project: %v\n", err)
			os.Exit(1)
		}
		if err := engine.Coordinator().HandleProjectDeleted(projectID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to clean cached records: %v\n", err)
		}
		fmt.Printf("Deleted project %s\n", projectID)
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects you belong to",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		member := requireMember(cfg)

		engine := openEngine(cfg)
		defer engine.Close()

		projects, err := engine.Gateway().Store().ListProjects()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing projects: %v\n", err)
			os.Exit(1)
		}

		for _, p := range projects {
			if !p.HasMember(member) {
				continue
			}
			role := p.Roles[member]
			fmt.Printf("%s  %s (%d members, you are %s)\n", p.ID, p.Name, len(p.Members), role)
		}
	},
}

func init() {
	projectCreateCmd.Flags().StringVarP(&projectCreateDescription, "description", "d", "", "project description")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectListCmd)
}
