package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/market-scout/pkg/client"
)

func newTokenCmd(v *viper.Viper, newClient clientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			ttl, _ := cmd.Flags().GetDuration("ttl")
			opLimit, _ := cmd.Flags().GetInt64("op-limit")
			tcLimit, _ := cmd.Flags().GetInt64("tc-limit")

			tok, err := c.CreateToken(ctx, ttl, opLimit, tcLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	}
	create.Flags().Duration("ttl", time.Hour, "token lifetime")
	create.Flags().Int64("op-limit", 100, "operation limit")
	create.Flags().Int64("tc-limit", 5, "concurrent task limit")

	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the ttl or limits of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			var u client.TokenUpdate
			if cmd.Flags().Changed("ttl") {
				ttl, _ := cmd.Flags().GetDuration("ttl")
				u.TTL = &ttl
			}
			if cmd.Flags().Changed("op-limit") {
				n, _ := cmd.Flags().GetInt64("op-limit")
				u.OpLimit = &n
			}
			if cmd.Flags().Changed("tc-limit") {
				n, _ := cmd.Flags().GetInt64("tc-limit")
				u.TCLimit = &n
			}

			tok, err := c.UpdateToken(ctx, args[0], u)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	}
	update.Flags().Duration("ttl", 0, "new token lifetime")
	update.Flags().Int64("op-limit", 0, "new operation limit")
	update.Flags().Int64("tc-limit", 0, "new concurrent task limit")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a token and cancel its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			if err := c.RevokeToken(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("token %s revoked\n", args[0])
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info [id]",
		Short: "Show a token; without an id shows the --token in use",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			var tok client.Token
			if len(args) == 1 {
				tok, err = c.TokenInfo(ctx, args[0])
			} else {
				tok, err = c.Self(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	}

	cmd.AddCommand(create, update, revoke, info)
	return cmd
}
