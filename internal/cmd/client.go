package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-drop/internal/peer"
)

const defaultRelayURL = "ws://localhost:8080/ws"

type clientFlags struct {
	relay string
	name  string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.relay, "relay", "r", defaultRelayURL, "relay WebSocket URL")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "name shown to other peers")
}

func (f *clientFlags) client(progress bool) (*peer.Client, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg := peer.Config{
		RelayURL: f.relay,
		Username: f.name,
		Logger:   log,
	}
	if progress {
		cfg.Progress = os.Stderr
	}
	return peer.NewClient(cfg), nil
}
