package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/moderation"
)

func newModerationCommand(ctx *commandContext) *cobra.Command {
	var limit int

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent moderation rejections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				logs, err := a.Gate.Logs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, map[string]any{"logs": logs})
				}
				if len(logs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No moderation rejections")
					return nil
				}
				rows := make([][]string, 0, len(logs))
				for _, l := range logs {
					rows = append(rows, []string{formatMillis(l.Timestamp), l.Username, l.Reason, l.Prompt})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Time", "User", "Reason", "Prompt"}, rows))
				return nil
			})
		},
	}
	logsCmd.Flags().IntVar(&limit, "limit", moderation.DefaultLogLimit, "Maximum entries")

	moderationCmd := &cobra.Command{
		Use:   "moderation",
		Short: "Moderation audit trail",
	}
	moderationCmd.AddCommand(logsCmd)
	return moderationCmd
}
