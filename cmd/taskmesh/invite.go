package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var inviteCmd = &cobra.Command{
	Use:   "invite <project-id> <email>",
	Short: "Invite someone to a project",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		member := requireMember(cfg)

		engine := openEngine(cfg)
		defer engine.Close()

		iv, err := engine.Gateway().SendInvitation(context.Background(), args[0], member, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sending invitation: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Invited %s to %s (invitation %s)\n", iv.InviteeEmail, iv.ProjectName, iv.ID)
	},
}

var respondReject bool

var respondCmd = &cobra.Command{
	Use:   "respond <invitation-id>",
	Short: "Accept or reject a pending invitation",
	Long: `Respond to a pending invitation.

Accepting adds you to the project's member set; the daemon then picks
the project up from your membership stream and starts mirroring its
tasks. Rejecting is final.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		member := requireMember(cfg)

		engine := openEngine(cfg)
		defer engine.Close()

		accept := !respondReject
		if err := engine.Gateway().RespondToInvitation(context.Background(), args[0], member, accept); err != nil {
			fmt.Fprintf(os.Stderr, "Error responding to invitation: %v\n", err)
			os.Exit(1)
		}

		if accept {
			fmt.Println("Invitation accepted")
		} else {
			fmt.Println("Invitation rejected")
		}
	},
}

func init() {
	respondCmd.Flags().BoolVar(&respondReject, "reject", false, "reject instead of accept")
}
