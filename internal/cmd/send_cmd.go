package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendFlags clientFlags
	sendWait  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send peer file",
	Short: "send a file to a peer",
	Long:  `offers a file to a connected peer, identified by name or id, and sends it once accepted`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, path := args[0], args[1]

		client, err := sendFlags.client(true)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = client.Shutdown() }()

		waitCtx, stop := context.WithTimeout(ctx, sendWait)
		defer stop()

		to, err := client.WaitForPeer(waitCtx, target)
		if err != nil {
			return err
		}

		return client.SendFile(ctx, to.ID, path)
	},
}

func init() {
	sendFlags.register(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "how long to wait for the peer to come online")
}
