package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// authCmd exchanges an authorization code for a token pair, or stores a
// manually supplied access token.
func authCmd() *cobra.Command {
	var code string
	var manual bool

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize the client against the CRM API",
		Long: "Exchange an OAuth authorization code for a token pair, " +
			"or store an access token directly with --token",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := buildClient()
			if err != nil {
				cmd.PrintErrln("Error:", err)
				return
			}
			ctx := context.Background()

			if manual {
				token := promptForSecret("Access token: ")
				if token == "" {
					cmd.PrintErrln("Error: Access token cannot be empty.")
					return
				}
				if err := c.SetAccessToken(ctx, token); err != nil {
					cmd.PrintErrln("Error: Failed to store access token.")
					return
				}
				cmd.Println("Access token stored.")
				return
			}

			if code == "" {
				code = promptForInput("Authorization code: ")
			}
			ok, err := c.HandleOAuthCallback(ctx, code, "")
			if err != nil || !ok {
				cmd.PrintErrln("Error: Failed to exchange the authorization code. Check your credentials and try again.")
				return
			}
			cmd.Println("Authorization was successful.")
		},
	}

	cmd.Flags().StringVarP(&code, "code", "c", "", "Authorization code from the OAuth redirect")
	cmd.Flags().BoolVarP(&manual, "token", "t", false, "Store an access token directly instead of exchanging a code")

	return cmd
}

// promptForInput prompts the user for input and returns the trimmed string.
func promptForInput(prompt string) string {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print(prompt)
	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println("Error: Failed to read input.")
		os.Exit(1)
	}
	return strings.TrimSpace(input)
}

// promptForSecret prompts the user for a secret without echoing it.
func promptForSecret(prompt string) string {
	fmt.Print(prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Println("Error: Failed to read secret.")
		os.Exit(1)
	}
	fmt.Println()
	return strings.TrimSpace(string(secret))
}
