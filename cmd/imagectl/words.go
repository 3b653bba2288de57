package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
)

func newWordsCommand(ctx *commandContext) *cobra.Command {
	wordsCmd := &cobra.Command{
		Use:   "words",
		Short: "Manage the moderation lexicon",
	}

	wordsCmd.AddCommand(&cobra.Command{
		Use:   "add <word>",
		Short: "Add a word to the custom lexicon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				word, err := a.Gate.AddWord(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %q\n", word)
				return nil
			})
		},
	})

	wordsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List builtin and custom words",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				words, err := a.Gate.Words(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, words)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Builtin (%d): %s\n", len(words.Builtin), strings.Join(words.Builtin, ", "))
				fmt.Fprintf(out, "Custom (%d): %s\n", len(words.Custom), strings.Join(words.Custom, ", "))
				return nil
			})
		},
	})

	return wordsCmd
}
