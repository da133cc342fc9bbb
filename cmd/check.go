package cmd

import (
	"context"
	"net/http"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// checkCmd probes the API repeatedly to verify quota headroom and throttling
// behavior from the current machine.
func checkCmd() *cobra.Command {
	var requests int
	var path string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the API to verify connectivity and quota headroom",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := buildClient()
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return
			}

			bar := progressbar.NewOptions(requests,
				progressbar.OptionSetDescription("Probing API"),
				progressbar.OptionShowCount(),
			)

			failures := 0
			for i := 0; i < requests; i++ {
				if _, err := c.Request(context.Background(), http.MethodGet, path, nil); err != nil {
					failures++
				}
				_ = bar.Add(1)
			}
			cmd.Println()

			stats := c.Stats()
			cmd.Printf("Probes: %d, failures: %d\n", requests, failures)
			cmd.Printf("Window usage: %d/%d (%.1f%%)\n", stats.TotalRequests, stats.Limit, stats.UsagePercent)
			if stats.ServerRemaining >= 0 {
				cmd.Printf("Server-reported remaining: %d\n", stats.ServerRemaining)
			}
		},
	}

	cmd.Flags().IntVarP(&requests, "requests", "n", 5, "Number of probe requests to send")
	cmd.Flags().StringVarP(&path, "path", "p", "/me", "Path to probe")

	return cmd
}
