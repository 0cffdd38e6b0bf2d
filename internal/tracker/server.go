// Package tracker runs the relay: it accepts connections, feeds their
// envelopes to the router and keeps every client's peer list current.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-drop/internal/history"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/relay"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const (
	historyWriteTimeout = 5 * time.Second
	minReapInterval     = time.Second
)

type Server struct {
	config    Config
	logger    *logrus.Logger
	transport *transport.Transport
	registry  *presence.Registry
	sessions  *transfer.Manager
	router    *relay.Router
	history   *history.Store

	mu    sync.Mutex
	conns map[string]*transport.Peer
	wg    sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	tr, err := transport.NewTransport(transport.Config{
		Addr:            cfg.Addr,
		WSPath:          cfg.WSPath,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxConns:        cfg.MaxConns,
		WriteTimeout:    cfg.WriteTimeout,
		PingInterval:    cfg.PingInterval,
	})
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	s := &Server{
		config:    cfg,
		logger:    log,
		transport: tr,
		registry:  presence.NewRegistry(),
		history:   cfg.History,
		conns:     make(map[string]*transport.Peer),
	}

	var opts []transfer.Option
	if s.history != nil {
		opts = append(opts, transfer.WithObserver(s.recordTransfer))
	}
	s.sessions = transfer.NewManager(s.registry, opts...)
	s.router = relay.NewRouter(s.registry, s.sessions, log)

	s.routes()
	return s, nil
}

func (s *Server) Addr() string {
	return s.transport.LocalAddr().String()
}

// Shutdown stops accepting connections and closes the ones still open.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down relay server")
	err := s.transport.Close()
	s.closeAll()
	return err
}

// Start serves until ctx is done. Every connection handler has returned, and
// every disconnect has been processed, by the time Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Relay server started")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.closeAll()
		s.wg.Wait()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcastMembership(ctx)
	}()

	if s.config.IdleTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reapIdle(ctx)
		}()
	}

	for {
		peer, err := s.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrTransportClosed) {
				return err
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePeer(ctx, peer)
		}()
	}
}

func (s *Server) handlePeer(ctx context.Context, peer *transport.Peer) {
	id := peer.ID()
	log := s.logger.WithFields(logrus.Fields{"peer": id, "addr": peer.RemoteAddr()})

	s.track(peer)
	defer func() {
		s.untrack(id)
		_ = peer.Close()
		// Survivors must still hear about it when the server itself is stopping.
		s.router.Disconnect(context.WithoutCancel(ctx), id)
		log.Info("Peer disconnected")
	}()

	name := presence.DefaultName(id)
	if err := peer.Send(ctx, &protocol.Welcome{ID: id, Username: name}); err != nil {
		log.Debugf("Failed to send welcome: %v", err)
		return
	}
	s.registry.Register(id, name, peer)
	log.Info("Peer connected")

	go peer.KeepAlive(ctx, s.config.PingInterval)

	for {
		msg, err := peer.Receive(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				log.Debugf("Ignoring envelope: %v", err)
				continue
			}
			if ctx.Err() == nil {
				log.Debugf("Connection closed: %v", err)
			}
			return
		}

		if err := s.router.Dispatch(ctx, id, msg); err != nil {
			log.WithField("type", msg.Type().String()).Debugf("Envelope dropped: %v", err)
		}
	}
}

// broadcastMembership sends the peer list whenever the registry changes.
// Bursts of changes produce one broadcast of the latest state.
func (s *Server) broadcastMembership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.registry.Changes():
			n := s.router.BroadcastMembership(ctx)
			s.logger.WithField("peers", s.registry.Len()).Debugf("Membership sent to %d peers", n)
		}
	}
}

func (s *Server) reapIdle(ctx context.Context) {
	interval := max(s.config.IdleTimeout/2, minReapInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.router.Expire(ctx, s.config.IdleTimeout); n > 0 {
				s.logger.Infof("Expired %d idle transfers", n)
			}
		}
	}
}

func (s *Server) recordTransfer(session transfer.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	if err := s.history.Record(ctx, session); err != nil {
		s.logger.Warnf("Failed to record transfer: %v", err)
	}
}

func (s *Server) track(peer *transport.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[peer.ID()] = peer
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// closeAll closes open connections; hijacked WebSockets outlive http.Server.Close.
func (s *Server) closeAll() {
	s.mu.Lock()
	peers := make([]*transport.Peer, 0, len(s.conns))
	for _, p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
}
