package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/ledger"
)

func newUsersCommand(ctx *commandContext) *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users and credit balances",
	}

	usersCmd.AddCommand(newUsersCreateCommand(ctx))
	usersCmd.AddCommand(newUsersGrantCommand(ctx))
	usersCmd.AddCommand(newUsersShowCommand(ctx))

	return usersCmd
}

func newUsersCreateCommand(ctx *commandContext) *cobra.Command {
	var credits int

	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Register a user with an opening balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				user, err := a.Ledger.Create(cmd.Context(), args[0], credits)
				if err != nil {
					return fmt.Errorf("create user %s: %w", args[0], err)
				}
				return ctx.printUser(cmd, user)
			})
		},
	}

	cmd.Flags().IntVar(&credits, "credits", 0, "Opening credit balance")
	return cmd
}

func newUsersGrantCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <username> <credits>",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid credit amount %q", args[1])
			}
			return ctx.withApp(cmd, func(a *app.App) error {
				user, err := a.Ledger.Grant(cmd.Context(), args[0], amount)
				if err != nil {
					return fmt.Errorf("grant credits to %s: %w", args[0], err)
				}
				return ctx.printUser(cmd, user)
			})
		},
	}
}

func newUsersShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <username>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				user, err := a.Ledger.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.printUser(cmd, user)
			})
		},
	}
}

func (c *commandContext) printUser(cmd *cobra.Command, u *ledger.User) error {
	if c.jsonOutput {
		return writeJSON(cmd, u)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Username", "Credits", "Generated", "Created"},
		[][]string{{u.Username, strconv.Itoa(u.Credits), strconv.Itoa(u.TotalGenerated), formatMillis(u.CreatedAt)}},
		1, 2,
	))
	return nil
}
