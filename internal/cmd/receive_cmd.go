package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-drop/internal/peer"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

var (
	receiveFlags clientFlags
	receiveDir   string
	receiveYes   bool
	receiveOnce  bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "wait for files from peers",
	Long:  `stays connected to the relay and saves every accepted file into a directory`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := receiveFlags.client(true)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = client.Shutdown() }()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Waiting for files as %s\n", client.Name())

		decide := peer.AcceptAll
		if !receiveYes {
			decide = prompt(bufio.NewReader(cmd.InOrStdin()), out)
		}

		for {
			path, err := client.ReceiveFile(ctx, receiveDir, decide)
			switch {
			case err == nil:
				fmt.Fprintf(out, "Saved %s\n", path)
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, peer.ErrRejected), errors.Is(err, peer.ErrCancelled), errors.Is(err, peer.ErrTransferFailed):
				fmt.Fprintf(out, "%v\n", err)
			default:
				return err
			}

			if receiveOnce && err == nil {
				return nil
			}
		}
	},
}

func prompt(in *bufio.Reader, out io.Writer) peer.Decider {
	return func(offer *protocol.FileOffer) bool {
		fmt.Fprintf(out, "%s wants to send %s (%s). Accept? [y/N] ",
			offer.FromName, offer.FileName, humanize.Bytes(uint64(max(offer.FileSize, 0))))

		answer, err := in.ReadString('\n')
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}

func init() {
	receiveFlags.register(receiveCmd)
	receiveCmd.Flags().StringVarP(&receiveDir, "dir", "d", ".", "directory to save files in")
	receiveCmd.Flags().BoolVarP(&receiveYes, "yes", "y", false, "accept every offer without asking")
	receiveCmd.Flags().BoolVar(&receiveOnce, "once", false, "exit after the first received file")
}
