package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport listens for WebSocket clients and hands each one out through Accept.
type Transport struct {
	config   Config
	listener net.Listener
	router   *mux.Router
	server   *http.Server
	upgrader *websocket.Upgrader

	peers     chan *Peer
	closed    chan struct{}
	closeOnce sync.Once
	serveErr  chan error
}

func NewTransport(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	t := &Transport{
		config:   cfg,
		listener: ln,
		router:   mux.NewRouter(),
		upgrader: DefaultUpgrader(),
		peers:    make(chan *Peer),
		closed:   make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	t.router.HandleFunc(cfg.WSPath, t.upgrade).Methods(http.MethodGet)
	t.server = &http.Server{Handler: t.router}

	go func() {
		err := t.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		t.serveErr <- err
	}()

	return t, nil
}

// Handle registers an extra HTTP route next to the WebSocket endpoint. With
// no methods given, every method matches. Routes match in registration order.
func (t *Transport) Handle(path string, h http.Handler, methods ...string) {
	route := t.router.Handle(path, h)
	if len(methods) > 0 {
		route.Methods(methods...)
	}
}

// HandlePrefix serves every path under prefix not matched by an earlier route.
func (t *Transport) HandlePrefix(prefix string, h http.Handler) {
	t.router.PathPrefix(prefix).Handler(h)
}

func (t *Transport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

func (t *Transport) Accept(ctx context.Context) (*Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrTransportClosed
	case p := <-t.peers:
		return p, nil
	}
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.server.Close()
		if serveErr := <-t.serveErr; serveErr != nil && err == nil {
			err = serveErr
		}
	})
	return err
}

func (t *Transport) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	conn.SetReadLimit(t.config.MaxMessageBytes)

	peer := NewPeer(uuid.NewString(), conn, protocol.NewCodec(), t.config.WriteTimeout)

	select {
	case t.peers <- peer:
	case <-t.closed:
		_ = peer.Close()
	case <-r.Context().Done():
		_ = peer.Close()
	}
}

// Dial connects to a relay WebSocket endpoint such as ws://host:8080/ws.
func Dial(ctx context.Context, url string, maxMessageBytes int64) (*Peer, error) {
	conn, resp, err := DefaultDialer().DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	if maxMessageBytes <= 0 {
		maxMessageBytes = protocol.DefaultMaxMessageSize
	}
	conn.SetReadLimit(maxMessageBytes)

	return NewPeer("", conn, protocol.NewClientCodec(), defaultWriteTimeout), nil
}
