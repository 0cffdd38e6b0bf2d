package peer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/tracker"
)

// network is a running relay plus the clients connected to it.
type network struct {
	tracker *tracker.Server
	clients []*Client
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
	t       *testing.T
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	srv, err := tracker.NewServer(tracker.Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	n := &network{
		tracker: srv,
		cancel:  cancel,
		ctx:     ctx,
		done:    make(chan struct{}),
		t:       t,
	}

	go func() {
		defer close(n.done)
		_ = srv.Start(ctx)
	}()

	t.Cleanup(n.close)
	return n
}

// connect returns a client joined under name, already connected.
func (n *network) connect(name string) *Client {
	n.t.Helper()

	client := NewClient(Config{
		RelayURL: fmt.Sprintf("ws://%s/ws", n.tracker.Addr()),
		Username: name,
		Logger:   logger.Discard(),
	})
	if err := client.Connect(n.ctx); err != nil {
		n.t.Fatalf("Failed to connect %s: %v", name, err)
	}

	n.clients = append(n.clients, client)
	return client
}

func (n *network) close() {
	for _, c := range n.clients {
		_ = c.Shutdown()
	}
	n.cancel()
	<-n.done
	_ = n.tracker.Shutdown()
}
