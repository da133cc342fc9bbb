package cmd

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
)

// callCmd performs a one-shot API request and prints the response.
func callCmd() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "call <method> <path>",
		Short: "Perform a single API request",
		Long:  "Perform a single API request, e.g. 'crmkit call GET /deals' or 'crmkit call POST /deals --data '{\"title\":\"New deal\"}''",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			c, err := buildClient()
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return
			}

			method := strings.ToUpper(args[0])
			path := args[1]

			var body any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &body); err != nil {
					cmd.PrintErrln("Error: --data is not valid JSON:", err)
					return
				}
			}

			out, err := c.Request(context.Background(), method, path, body)
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return
			}
			if out.NoContent {
				cmd.Printf("HTTP %d (no content)\n", out.Status)
				return
			}

			var pretty map[string]any
			if json.Unmarshal(out.Payload, &pretty) == nil {
				formatted, _ := json.MarshalIndent(pretty, "", "  ")
				cmd.Println(string(formatted))
				return
			}
			cmd.Println(string(out.Payload))
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")

	return cmd
}
