package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// logoutCmd deletes the stored token pair.
func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored tokens",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := buildClient()
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return
			}
			if err := c.Logout(context.Background()); err != nil {
				cmd.PrintErrln("Error: Failed to delete the stored tokens.")
				return
			}
			cmd.Println("Logged out.")
		},
	}
	return cmd
}
