package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

const (
	defaultWSPath       = "/ws"
	defaultWriteTimeout = 30 * time.Second
	// Same cadence as the socket.io heartbeat the browser client expects.
	defaultPingInterval = 25 * time.Second
	handshakeTimeout    = 10 * time.Second
	closeGracePeriod    = time.Second
)

type Config struct {
	Addr   string
	WSPath string
	// MaxMessageBytes bounds a single inbound frame; a whole chunk must fit.
	MaxMessageBytes int64
	// MaxConns caps concurrently open connections. Zero means unlimited.
	MaxConns     int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WSPath == "" {
		c.WSPath = defaultWSPath
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = protocol.DefaultMaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	return c
}

func DefaultUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   protocol.DefaultChunkSize,
		WriteBufferSize:  protocol.DefaultChunkSize,
		// Clients are served from any LAN address.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func DefaultDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   protocol.DefaultChunkSize,
		WriteBufferSize:  protocol.DefaultChunkSize,
	}
}
