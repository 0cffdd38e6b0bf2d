package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

var ErrPeerClosed = errors.New("peer connection closed")

// Peer is one side of a WebSocket connection carrying protocol envelopes.
// Writes are serialized; reads must come from a single goroutine.
type Peer struct {
	id           string
	codec        *protocol.Codec
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPeer(id string, conn *websocket.Conn, codec *protocol.Codec, writeTimeout time.Duration) *Peer {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Peer{
		id:           id,
		codec:        codec,
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Done is closed once the peer has been closed locally.
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := p.codec.Encode(msg)
	if err != nil {
		return err
	}
	return p.SendFrame(ctx, frame)
}

// SendFrame writes an already encoded frame, so a broadcast encodes once.
func (p *Peer) SendFrame(ctx context.Context, frame protocol.Frame) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}

	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(int(frame.Kind), frame.Data)
}

// Receive blocks for the next envelope. Errors wrapping
// protocol.ErrMalformedEnvelope or protocol.ErrUnknownMessageType leave the
// connection usable; anything else means it is gone.
func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	kind, data, err := p.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return p.codec.Decode(protocol.Frame{Kind: protocol.FrameKind(kind), Data: data})
}

// KeepAlive pings the remote end until the peer closes or ctx ends. A failed
// ping closes the connection, which unblocks the reader.
func (p *Peer) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(p.writeTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = p.Close()
				return
			}
		}
	}
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = p.conn.Close()
	})
	return err
}

// IsRecoverable reports whether a Receive error only affected one envelope.
func IsRecoverable(err error) bool {
	return errors.Is(err, protocol.ErrMalformedEnvelope) || errors.Is(err, protocol.ErrUnknownMessageType)
}
