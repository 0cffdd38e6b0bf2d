package peer

import (
	"io"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// RelayURL is the relay WebSocket endpoint, e.g. ws://192.168.1.20:8080/ws.
	RelayURL string
	// Username is sent with join right after connecting. Empty keeps the relay's default name.
	Username        string
	MaxMessageBytes int64
	ChunkSize       int
	Logger          *logrus.Logger
	// Progress receives progress bars. Nil hides them.
	Progress io.Writer
}
