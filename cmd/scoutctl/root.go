package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/market-scout/pkg/client"
)

const envPrefix = "SCOUTCTL"

// newRootCmd builds the command tree. Flags may also be set as
// SCOUTCTL_<FLAG> environment variables.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "scoutctl",
		Short:         "Administer tokens and submit orders to a market-scout gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080/api", "gateway base URL including the root path")
	pf.String("token", "", "access token for task commands")
	pf.String("master-token", "", "master token for token administration")
	pf.Duration("timeout", 0, "request timeout (0 disables)")

	newClient := func() (*client.Client, error) {
		return client.New(v.GetString("server"),
			client.WithToken(v.GetString("token")),
			client.WithMasterToken(v.GetString("master-token")),
		)
	}

	root.AddCommand(
		newTokenCmd(v, newClient),
		newOrderCmd(newClient),
		newTaskCmd(newClient),
		newWatchCmd(newClient),
	)
	return root
}

type clientFactory func() (*client.Client, error)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
