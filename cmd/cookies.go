package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/pool"
	"github.com/spf13/cobra"
)

var cookiesConfigPath string

func openPool() (*pool.Pool, error) {
	cfg, _, err := config.LoadOrCreateServerConfig(cookiesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	return pool.New(config.NewServerConfigStore(cookiesConfigPath, cfg)), nil
}

func init() {
	cookiesCmd := &cobra.Command{
		Use:   "cookies",
		Short: "Manage the session cookie pool",
	}
	cookiesCmd.PersistentFlags().StringVar(&cookiesConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	cookiesCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import cookies from a file, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPool()
			if err != nil {
				return err
			}
			added, err := p.ImportFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d cookie(s)\n", added)
			return nil
		},
	})

	cookiesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active and wasted cookies",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPool()
			if err != nil {
				return err
			}
			st := p.Snapshot()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATE\tCOOKIE\tDETAIL")
			for _, c := range st.Active {
				detail := c.Model
				if c.ResetTime != 0 {
					detail = strings.TrimSpace(detail + " resets " + time.Unix(c.ResetTime, 0).UTC().Format(time.RFC3339))
				}
				fmt.Fprintf(tw, "active\t%s\t%s\n", c.Cookie.Short(), detail)
			}
			for _, w := range st.Wasted {
				fmt.Fprintf(tw, "wasted\t%s\t%s\n", w.Cookie.Short(), w.Reason.String())
			}
			return tw.Flush()
		},
	})
	rootCmd.AddCommand(cookiesCmd)
}
