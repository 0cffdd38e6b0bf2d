package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/history"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the relay server",
	Long: `runs the relay: browsers and peer-drop clients connect to it over WebSocket,
see each other and send files through it. Nothing is stored except, optionally,
a history of finished transfers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}

		log, err := logger.New(logger.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return err
		}

		srvCfg := tracker.ConfigFrom(cfg)
		srvCfg.Logger = log

		if cfg.History.Path != "" {
			store, err := history.OpenStore(cfg.History.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			srvCfg.History = store
			log.WithField("path", cfg.History.Path).Info("Recording transfer history")
		}

		srv, err := tracker.NewServer(srvCfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		log.Infof("Max message size %s", humanize.Bytes(uint64(cfg.Server.MaxMessageBytes)))
		fmt.Fprintf(cmd.OutOrStdout(), "peer-drop is running at %s\n", tracker.LANURL(srv.Addr()))

		err = srv.Start(ctx)
		_ = srv.Shutdown()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	d := config.Default()
	f := serveCmd.Flags()
	f.String("addr", d.Server.Addr, "listen address")
	f.String("ws-path", d.Server.WSPath, "WebSocket endpoint path")
	f.String("static-dir", d.Server.StaticDir, "serve this directory at /")
	f.Int64("max-message", d.Server.MaxMessageBytes, "largest accepted message in bytes")
	f.Int("max-conns", d.Server.MaxConns, "maximum concurrent connections, 0 for no limit")
	f.Duration("write-timeout", d.Server.WriteTimeout, "time allowed for one write to a client")
	f.Duration("idle-timeout", d.Relay.IdleTimeout, "fail transfers idle for this long, 0 to disable")
	f.String("history", d.History.Path, "SQLite file for transfer history, empty to disable")
}
