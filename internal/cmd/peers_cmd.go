package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	peersFlags   clientFlags
	peersTimeout time.Duration
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list connected peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := peersFlags.client(false)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = client.Shutdown() }()

		waitCtx, stop := context.WithTimeout(ctx, peersTimeout)
		defer stop()

		peers, err := client.Peers(waitCtx)
		if err != nil {
			return err
		}

		if len(peers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No other peers connected")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID")
		for _, p := range peers {
			fmt.Fprintf(w, "%s\t%s\n", p.Username, p.ID)
		}
		return w.Flush()
	},
}

func init() {
	peersFlags.register(peersCmd)
	peersCmd.Flags().DurationVar(&peersTimeout, "timeout", 5*time.Second, "how long to wait for the peer list")
}
