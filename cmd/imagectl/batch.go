package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Operate on batches",
	}

	batchCmd.AddCommand(&cobra.Command{
		Use:   "process <batch_id>",
		Short: "Run every pending task of a batch in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				succeeded, failed, err := a.Batches.ProcessAll(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("process %s: %w", args[0], err)
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, map[string]any{"batch_id": args[0], "succeeded": succeeded, "failed": failed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %s: %d succeeded, %d failed\n", args[0], succeeded, failed)
				return nil
			})
		},
	})

	return batchCmd
}
