package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/config"
)

type commandContext struct {
	jsonOutput bool
}

// withApp loads configuration from the environment, opens the configured
// store and closes it again once fn returns.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "imagectl",
		Short:         "Administer the image generation backend",
		Long:          "imagectl reads the same environment as the server (STORE_BACKEND, JWT_SECRET, ...) and operates on its store directly.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOutput, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(newUsersCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newKeysCommand(ctx))
	rootCmd.AddCommand(newWordsCommand(ctx))
	rootCmd.AddCommand(newModerationCommand(ctx))
	rootCmd.AddCommand(newBatchCommand(ctx))

	return rootCmd
}
