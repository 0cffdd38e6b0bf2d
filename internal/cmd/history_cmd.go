package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/history"
)

var (
	historyLimit int
	historyPeer  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show finished transfers",
	Long:  `prints transfers recorded by a relay started with --history`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		if cfg.History.Path == "" {
			return fmt.Errorf("no history database configured, pass --history")
		}

		store, err := history.OpenStore(cfg.History.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		var transfers []history.Transfer
		if historyPeer != "" {
			transfers, err = store.ForPeer(cmd.Context(), historyPeer, historyLimit)
		} else {
			transfers, err = store.List(cmd.Context(), historyLimit)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENDED\tSTATE\tFILE\tSIZE\tPROGRESS\tSENDER\tRECEIVER")
		for _, t := range transfers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
				humanize.Time(t.EndedAt), t.State, t.FileName,
				humanize.Bytes(uint64(max(t.FileSize, 0))), t.LastProgress, t.Sender, t.Receiver)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().String("history", "", "SQLite file written by serve --history")
	historyCmd.Flags().IntVar(&historyLimit, "limit", history.DefaultListLimit, "number of transfers to show")
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "only transfers this peer id took part in")
}
