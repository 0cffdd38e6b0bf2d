// Package relay forwards envelopes between exactly two registered peers and
// drives the transfer state machine on the way through.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
)

// broadcastTimeout caps one membership write; transfers keep the longer
// per-connection write timeout.
const broadcastTimeout = 5 * time.Second

var ErrPeerNotFound = errors.New("destination peer not registered")

type Router struct {
	peers    *presence.Registry
	sessions *transfer.Manager
	logger   *logrus.Logger
}

func NewRouter(peers *presence.Registry, sessions *transfer.Manager, logger *logrus.Logger) *Router {
	return &Router{
		peers:    peers,
		sessions: sessions,
		logger:   logger,
	}
}

// Dispatch handles one envelope sent by origin. A returned error only
// explains why the envelope went nowhere; nothing is ever reported back to
// the sender.
func (r *Router) Dispatch(ctx context.Context, origin string, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Join:
		member := r.peers.Register(origin, m.Username, nil)
		r.logger.WithFields(logrus.Fields{"peer": origin, "name": member.Name}).Info("Peer joined")
		return nil
	case *protocol.FileOffer:
		return r.handleOffer(ctx, origin, m)
	case *protocol.FileAccept:
		return r.handleAnswer(ctx, origin, m.From, true)
	case *protocol.FileReject:
		return r.handleAnswer(ctx, origin, m.From, false)
	case *protocol.FileChunk:
		return r.handleChunk(ctx, origin, m)
	case *protocol.FileComplete:
		return r.handleComplete(ctx, origin, m)
	case *protocol.FileCancel:
		return r.handleCancel(ctx, origin, m)
	default:
		return fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrUnknownMessageType, msg.Type())
	}
}

// Disconnect unregisters id, fails its sessions and tells each surviving
// participant. It returns once every notification has been attempted.
func (r *Router) Disconnect(ctx context.Context, id string) {
	if r.peers.Unregister(id) {
		r.logger.WithField("peer", id).Info("Peer left")
	}

	for _, s := range r.sessions.FailPeer(id) {
		r.logger.WithFields(sessionFields(s)).Info("Transfer failed, participant disconnected")
		r.notifyFailed(ctx, s.Other(id), id, s.FileName, protocol.ReasonPeerDisconnected)
	}
}

// Expire fails transfers idle for longer than idle and tells both sides.
func (r *Router) Expire(ctx context.Context, idle time.Duration) int {
	expired := r.sessions.Expire(idle)
	for _, s := range expired {
		r.logger.WithFields(sessionFields(s)).Warn("Transfer timed out")
		r.notifyFailed(ctx, s.Sender, s.Receiver, s.FileName, protocol.ReasonIdleTimeout)
		r.notifyFailed(ctx, s.Receiver, s.Sender, s.FileName, protocol.ReasonIdleTimeout)
	}
	return len(expired)
}

// Broadcast sends msg to every registered peer at once and returns how many
// writes succeeded. Each write is bounded by broadcastTimeout, so a stalled
// client delays nobody else. Failures are logged and skipped.
func (r *Router) Broadcast(ctx context.Context, msg protocol.Message) int {
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		sent atomic.Int64
	)
	for _, m := range r.peers.Members() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.deliver(ctx, m, msg); err == nil {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(sent.Load())
}

// BroadcastMembership sends the full peer list to everyone.
func (r *Router) BroadcastMembership(ctx context.Context) int {
	users := protocol.UsersUpdate(r.peers.Snapshot())
	return r.Broadcast(ctx, users)
}

func (r *Router) handleOffer(ctx context.Context, origin string, m *protocol.FileOffer) error {
	if m.To == "" {
		return fmt.Errorf("%w: file-offer without to", protocol.ErrMalformedEnvelope)
	}
	dest, err := r.lookup(m.To)
	if err != nil {
		return err
	}

	sender, _ := r.peers.Lookup(origin)
	s, err := r.sessions.Offer(origin, m.To, transfer.Offer{
		FileName: m.FileName,
		FileSize: m.FileSize,
		FileType: m.FileType,
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(sessionFields(s)).Infof("File offered (%s)", humanize.Bytes(uint64(max(s.FileSize, 0))))

	return r.deliver(ctx, dest, &protocol.FileOffer{
		From:     origin,
		FromName: sender.Name,
		FileName: m.FileName,
		FileSize: m.FileSize,
		FileType: m.FileType,
	})
}

// handleAnswer covers accept and reject; origin is the receiver answering sender.
func (r *Router) handleAnswer(ctx context.Context, origin, sender string, accepted bool) error {
	if sender == "" {
		return fmt.Errorf("%w: answer without from", protocol.ErrMalformedEnvelope)
	}

	var (
		s   transfer.Session
		err error
		out protocol.Message
	)
	if accepted {
		s, err = r.sessions.Accept(sender, origin)
		out = &protocol.FileAccept{To: origin}
	} else {
		s, err = r.sessions.Reject(sender, origin)
		out = &protocol.FileReject{To: origin}
	}

	if err != nil {
		r.failedUnavailable(ctx, origin, sender, s, err)
		return err
	}

	r.logger.WithFields(sessionFields(s)).Info("Offer answered")

	dest, err := r.lookup(sender)
	if err != nil {
		return err
	}
	return r.deliver(ctx, dest, out)
}

func (r *Router) handleChunk(ctx context.Context, origin string, m *protocol.FileChunk) error {
	if m.To == "" {
		return fmt.Errorf("%w: file-chunk without to", protocol.ErrMalformedEnvelope)
	}
	dest, err := r.lookup(m.To)
	if err != nil {
		return err
	}

	if s, err := r.sessions.Chunk(origin, m.To, m.Progress); err != nil {
		r.failedUnavailable(ctx, origin, m.To, s, err)
		return err
	}

	return r.deliver(ctx, dest, &protocol.FileChunk{
		From:     origin,
		Chunk:    m.Chunk,
		Progress: m.Progress,
		Frame:    m.Frame,
	})
}

func (r *Router) handleComplete(ctx context.Context, origin string, m *protocol.FileComplete) error {
	if m.To == "" {
		return fmt.Errorf("%w: file-complete without to", protocol.ErrMalformedEnvelope)
	}
	dest, err := r.lookup(m.To)
	if err != nil {
		return err
	}

	s, err := r.sessions.Complete(origin, m.To)
	if err != nil {
		r.failedUnavailable(ctx, origin, m.To, s, err)
		return err
	}
	r.logger.WithFields(sessionFields(s)).Info("Transfer completed")

	return r.deliver(ctx, dest, &protocol.FileComplete{From: origin})
}

func (r *Router) handleCancel(ctx context.Context, origin string, m *protocol.FileCancel) error {
	if m.To == "" {
		return fmt.Errorf("%w: file-cancel without to", protocol.ErrMalformedEnvelope)
	}

	s, err := r.sessions.Cancel(origin, m.To)
	if err != nil {
		return err
	}
	r.logger.WithFields(sessionFields(s)).WithField("by", origin).Info("Transfer cancelled")

	dest, err := r.lookup(m.To)
	if err != nil {
		return err
	}
	return r.deliver(ctx, dest, &protocol.FileCancel{From: origin})
}

// failedUnavailable tells origin its transfer with other failed when err says
// the session was failed for a missing participant. Other errors are ignored.
func (r *Router) failedUnavailable(ctx context.Context, origin, other string, s transfer.Session, err error) {
	if !errors.Is(err, transfer.ErrPeerUnavailable) {
		return
	}
	r.logger.WithFields(sessionFields(s)).Info("Transfer failed, participant is gone")
	r.notifyFailed(ctx, origin, other, s.FileName, protocol.ReasonPeerUnavailable)
}

func (r *Router) notifyFailed(ctx context.Context, to, peer, fileName string, reason protocol.FailReason) {
	dest, err := r.lookup(to)
	if err != nil {
		return
	}
	_ = r.deliver(ctx, dest, &protocol.FileFailed{Peer: peer, FileName: fileName, Reason: reason})
}

func (r *Router) lookup(id string) (presence.Member, error) {
	m, ok := r.peers.Lookup(id)
	if !ok {
		return presence.Member{}, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return m, nil
}

func (r *Router) deliver(ctx context.Context, to presence.Member, msg protocol.Message) error {
	if to.Conn == nil {
		return fmt.Errorf("%w: %s has no connection", ErrPeerNotFound, to.ID)
	}
	if err := to.Conn.Send(ctx, msg); err != nil {
		r.logger.WithFields(logrus.Fields{"peer": to.ID, "type": msg.Type().String()}).Warnf("Failed to deliver: %v", err)
		return err
	}
	return nil
}

func sessionFields(s transfer.Session) logrus.Fields {
	return logrus.Fields{
		"sender":   s.Sender,
		"receiver": s.Receiver,
		"file":     s.FileName,
		"state":    s.State.String(),
	}
}
