package tracker

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/history"
)

type Config struct {
	Addr            string
	WSPath          string
	StaticDir       string
	MaxMessageBytes int64
	MaxConns        int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	// IdleTimeout fails transfers that stalled for this long. Zero disables the reaper.
	IdleTimeout time.Duration

	// History, when set, receives every transfer that reaches a terminal state.
	History *history.Store
	Logger  *logrus.Logger
}

// ConfigFrom maps loaded settings onto a server Config. History and Logger
// are left for the caller.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Addr:            c.Server.Addr,
		WSPath:          c.Server.WSPath,
		StaticDir:       c.Server.StaticDir,
		MaxMessageBytes: c.Server.MaxMessageBytes,
		MaxConns:        c.Server.MaxConns,
		WriteTimeout:    c.Server.WriteTimeout,
		IdleTimeout:     c.Relay.IdleTimeout,
	}
}
