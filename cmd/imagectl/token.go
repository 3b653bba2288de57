package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/middleware"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue an API token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				if _, err := a.Ledger.Get(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("issue token for %s: %w", args[0], err)
				}
				if ttl == 0 {
					ttl = a.Config.TokenTTL
				}
				token, err := middleware.IssueToken(a.Config.JWTSecret, args[0], ttl)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, map[string]string{"username": args[0], "token": token})
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_TTL)")
	return cmd
}
