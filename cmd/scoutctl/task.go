package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
)

func withTimeout(cmd *cobra.Command, v *viper.Viper) (context.Context, context.CancelFunc) {
	if d := v.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(cmd.Context(), d)
	}
	return context.WithCancel(cmd.Context())
}

func newOrderCmd(newClient clientFactory) *cobra.Command {
	var proxies []string
	cmd := &cobra.Command{
		Use:   "order <product>...",
		Short: "Submit a lookup order; products are <market>/<id>",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			h, err := c.SubmitOrder(cmd.Context(), args, proxies)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().StringSliceVar(&proxies, "proxy", nil, "proxy endpoint user:pass@ip:port (repeatable)")
	return cmd
}

func newTaskCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "task <hash>",
		Short: "Show a task or an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			raw, err := c.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newWatchCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <hash>",
		Short: "Stream task events until every task is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			return c.Watch(cmd.Context(), args[0], func(ev dispatch.TaskEvent) error {
				t := ev.Task
				line := fmt.Sprintf("%s %-24s %-9s", ev.Timestamp.Format(time.TimeOnly), t.Product, t.Status)
				if t.Reason != "" {
					line += fmt.Sprintf(" %s: %s", t.Reason, t.Detail)
				}
				cmd.Println(line)
				return nil
			})
		},
	}
}
