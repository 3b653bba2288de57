package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
)

func newKeysCommand(ctx *commandContext) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect upstream API keys",
	}

	keysCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show per-key usage counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				stats, err := a.Keys.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, map[string]any{"totalKeys": len(stats), "stats": stats})
				}
				if len(stats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No API keys configured")
					return nil
				}

				rows := make([][]string, 0, len(stats))
				for _, s := range stats {
					lastUsed, lastError := "-", "-"
					if s.LastUsed != nil {
						lastUsed = formatMillis(*s.LastUsed)
					}
					if s.LastError != nil {
						lastError = *s.LastError
					}
					rows = append(rows, []string{
						s.KeyPreview,
						strconv.FormatInt(s.Total, 10),
						strconv.FormatInt(s.Success, 10),
						strconv.FormatInt(s.Failed, 10),
						lastUsed,
						lastError,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Key", "Total", "Success", "Failed", "Last used", "Last error"},
					rows, 1, 2, 3,
				))
				return nil
			})
		},
	})

	return keysCmd
}
