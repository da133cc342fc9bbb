package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusCmd shows authentication state and rate limiter statistics.
func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authentication and rate limit status",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := buildClient()
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return
			}

			authenticated := "no"
			if c.IsAuthenticated(context.Background()) {
				authenticated = "yes"
			}
			stats := c.Stats()

			serverRemaining := "unknown"
			if stats.ServerRemaining >= 0 {
				serverRemaining = fmt.Sprintf("%d", stats.ServerRemaining)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Field", "Value"})
			table.Append([]string{"Authenticated", authenticated})
			table.Append([]string{"Requests in window", fmt.Sprintf("%d", stats.TotalRequests)})
			table.Append([]string{"Local limit", fmt.Sprintf("%d", stats.Limit)})
			table.Append([]string{"Remaining (local)", fmt.Sprintf("%d", stats.Remaining)})
			table.Append([]string{"Usage", fmt.Sprintf("%.1f%%", stats.UsagePercent)})
			table.Append([]string{"Server remaining", serverRemaining})
			table.Append([]string{"Window resets", stats.WindowResets.Format(time.RFC3339)})
			table.Render()
		},
	}
	return cmd
}
