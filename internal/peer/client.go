// Package peer is a relay client able to send and receive files the same way
// the browser client does.
package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const inboxSize = 64

var (
	ErrNotConnected   = errors.New("not connected to relay")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrRejected       = errors.New("offer rejected")
	ErrCancelled      = errors.New("transfer cancelled by peer")
	ErrTransferFailed = errors.New("transfer failed")
)

type Client struct {
	config Config
	logger *logrus.Logger
	relay  *transport.Peer
	inbox  chan protocol.Message

	mu         sync.RWMutex
	id         string
	name       string
	users      []protocol.User
	seenUsers  bool
	readErr    error
	membership chan struct{}
}

func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.DefaultChunkSize
	}

	return &Client{
		config:     cfg,
		logger:     log,
		membership: make(chan struct{}, 1),
	}
}

// Connect dials the relay, waits for the assigned id and joins under the
// configured username.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.WithField("relay", c.config.RelayURL).Info("Connecting to relay")

	relay, err := transport.Dial(ctx, c.config.RelayURL, c.config.MaxMessageBytes)
	if err != nil {
		c.logger.Errorf("Failed to connect to relay: %v", err)
		return err
	}

	welcome, err := awaitWelcome(ctx, relay)
	if err != nil {
		_ = relay.Close()
		return err
	}

	c.mu.Lock()
	c.relay = relay
	c.id = welcome.ID
	c.name = welcome.Username
	c.inbox = make(chan protocol.Message, inboxSize)
	c.mu.Unlock()

	go c.readLoop(relay)

	if c.config.Username != "" {
		if err := relay.Send(ctx, &protocol.Join{Username: c.config.Username}); err != nil {
			return fmt.Errorf("joining as %s: %w", c.config.Username, err)
		}
		c.mu.Lock()
		c.name = c.config.Username
		c.mu.Unlock()
	}

	c.logger.WithFields(logrus.Fields{"id": c.ID(), "name": c.Name()}).Info("Connected to relay")
	return nil
}

func awaitWelcome(ctx context.Context, relay *transport.Peer) (*protocol.Welcome, error) {
	for {
		msg, err := relay.Receive(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				continue
			}
			return nil, fmt.Errorf("waiting for welcome: %w", err)
		}
		if w, ok := msg.(*protocol.Welcome); ok {
			return w, nil
		}
	}
}

func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Users returns the last membership list received, self included.
func (c *Client) Users() []protocol.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.users)
}

// Peers waits for the first membership list and returns everyone but self.
func (c *Client) Peers(ctx context.Context) ([]protocol.User, error) {
	for {
		c.mu.RLock()
		seen, users, self := c.seenUsers, slices.Clone(c.users), c.id
		c.mu.RUnlock()

		if seen {
			return slices.DeleteFunc(users, func(u protocol.User) bool { return u.ID == self }), nil
		}
		if err := c.waitMembership(ctx); err != nil {
			return nil, err
		}
	}
}

// WaitForPeer blocks until a peer whose id or name equals target is online.
func (c *Client) WaitForPeer(ctx context.Context, target string) (protocol.User, error) {
	for {
		c.mu.RLock()
		users, self := c.users, c.id
		var found *protocol.User
		for i := range users {
			if users[i].ID != self && (users[i].ID == target || users[i].Username == target) {
				found = &users[i]
				break
			}
		}
		c.mu.RUnlock()

		if found != nil {
			return *found, nil
		}
		if err := c.waitMembership(ctx); err != nil {
			return protocol.User{}, fmt.Errorf("%w: %s: %w", ErrPeerNotFound, target, err)
		}
	}
}

func (c *Client) waitMembership(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	if err := c.err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.membership:
		return c.err()
	}
}

// Next returns the next relay message other than membership updates, which
// are applied to Users as they arrive.
func (c *Client) Next(ctx context.Context) (protocol.Message, error) {
	if err := c.connected(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.inbox:
		if !ok {
			if err := c.err(); err != nil {
				return nil, err
			}
			return nil, ErrNotConnected
		}
		return msg, nil
	}
}

func (c *Client) Offer(ctx context.Context, offer *protocol.FileOffer) error {
	return c.send(ctx, offer)
}

func (c *Client) Accept(ctx context.Context, sender string) error {
	return c.send(ctx, &protocol.FileAccept{From: sender})
}

func (c *Client) Reject(ctx context.Context, sender string) error {
	return c.send(ctx, &protocol.FileReject{From: sender})
}

// SendChunk sends one slice of file content in a binary frame.
func (c *Client) SendChunk(ctx context.Context, to string, chunk []byte, progress int) error {
	return c.send(ctx, &protocol.FileChunk{
		To:       to,
		Chunk:    chunk,
		Progress: progress,
		Frame:    protocol.FrameBinary,
	})
}

func (c *Client) Complete(ctx context.Context, to string) error {
	return c.send(ctx, &protocol.FileComplete{To: to})
}

func (c *Client) Cancel(ctx context.Context, to string) error {
	return c.send(ctx, &protocol.FileCancel{To: to})
}

func (c *Client) Shutdown() error {
	c.logger.Debug("Shutting down relay client")

	c.mu.RLock()
	relay := c.relay
	c.mu.RUnlock()

	if relay == nil {
		return nil
	}
	return relay.Close()
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	c.mu.RLock()
	relay := c.relay
	c.mu.RUnlock()

	if relay == nil {
		return ErrNotConnected
	}
	if err := relay.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type(), err)
	}
	return nil
}

// readLoop is the only reader of the relay connection.
func (c *Client) readLoop(relay *transport.Peer) {
	defer close(c.inbox)

	for {
		msg, err := relay.Receive(context.Background())
		if err != nil {
			if transport.IsRecoverable(err) {
				c.logger.Debugf("Ignoring envelope: %v", err)
				continue
			}
			c.mu.Lock()
			c.readErr = fmt.Errorf("%w: %w", ErrNotConnected, err)
			c.mu.Unlock()
			c.signalMembership()
			return
		}

		if users, ok := msg.(*protocol.UsersUpdate); ok {
			c.mu.Lock()
			c.users = slices.Clone(*users)
			c.seenUsers = true
			c.mu.Unlock()
			c.signalMembership()
			continue
		}

		select {
		case c.inbox <- msg:
		case <-relay.Done():
			return
		}
	}
}

func (c *Client) signalMembership() {
	select {
	case c.membership <- struct{}{}:
	default:
	}
}

func (c *Client) connected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.relay == nil {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}
