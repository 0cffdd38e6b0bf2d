// Package transfer tracks offered and running file transfers between two peers.
// It never sees file content, only the envelopes that move a session along.
package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSessionNotFound   = errors.New("transfer session not found")
	ErrInvalidTransition = errors.New("invalid transfer transition")
	ErrPeerUnavailable   = errors.New("transfer participant not registered")
)

// Liveness answers whether a peer id is currently registered.
type Liveness interface {
	Contains(id string) bool
}

// Key identifies a session by its ordered sender/receiver pair.
type Key struct {
	Sender   string
	Receiver string
}

// Offer is the file metadata announced by the sender. None of it is verified.
type Offer struct {
	FileName string
	FileSize int64
	FileType string
}

type Session struct {
	Sender       string
	Receiver     string
	FileName     string
	FileSize     int64
	FileType     string
	State        State
	LastProgress int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s Session) Key() Key {
	return Key{Sender: s.Sender, Receiver: s.Receiver}
}

// Other returns the participant that is not id.
func (s Session) Other(id string) string {
	if id == s.Sender {
		return s.Receiver
	}
	return s.Sender
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithObserver registers fn to receive every session that reaches a terminal
// state. fn runs after the manager lock is released.
func WithObserver(fn func(Session)) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, fn)
	}
}

// Manager owns all live sessions. Every method holds the lock for one map
// lookup and update only.
type Manager struct {
	mu        sync.Mutex
	sessions  map[Key]*Session
	peers     Liveness
	now       func() time.Time
	observers []func(Session)
}

func NewManager(peers Liveness, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[Key]*Session),
		peers:    peers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Offer opens a session from sender to receiver. A live session for the same
// pair is superseded and reported as cancelled to observers.
//
// Liveness is checked under the manager lock, so a FailPeer racing with the
// offer either sees the new session or the offer is refused.
func (m *Manager) Offer(sender, receiver string, o Offer) (Session, error) {
	now := m.now()
	key := Key{Sender: sender, Receiver: receiver}

	m.mu.Lock()
	if !m.peers.Contains(receiver) || !m.peers.Contains(sender) {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: offer %s -> %s", ErrPeerUnavailable, sender, receiver)
	}

	var superseded *Session
	if old, ok := m.sessions[key]; ok {
		old.State = StateCancelled
		old.UpdatedAt = now
		superseded = old
	}
	s := &Session{
		Sender:    sender,
		Receiver:  receiver,
		FileName:  o.FileName,
		FileSize:  o.FileSize,
		FileType:  o.FileType,
		State:     StateOffered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[key] = s
	out := *s
	m.mu.Unlock()

	if superseded != nil {
		m.emit(*superseded)
	}
	return out, nil
}

// Accept moves an offered session through Accepted straight to InProgress.
func (m *Manager) Accept(sender, receiver string) (Session, error) {
	return m.apply(Key{Sender: sender, Receiver: receiver}, EventAccept, func(s *Session) {
		s.State = StateInProgress
	})
}

func (m *Manager) Reject(sender, receiver string) (Session, error) {
	return m.apply(Key{Sender: sender, Receiver: receiver}, EventReject, nil)
}

// Chunk records a forwarded chunk. progress is stored as the sender sent it.
func (m *Manager) Chunk(sender, receiver string, progress int) (Session, error) {
	return m.apply(Key{Sender: sender, Receiver: receiver}, EventChunk, func(s *Session) {
		s.LastProgress = progress
	})
}

func (m *Manager) Complete(sender, receiver string) (Session, error) {
	return m.apply(Key{Sender: sender, Receiver: receiver}, EventComplete, nil)
}

// Cancel ends the session between a and b, whichever of them is the sender.
func (m *Manager) Cancel(a, b string) (Session, error) {
	key := Key{Sender: a, Receiver: b}
	m.mu.Lock()
	if _, ok := m.sessions[key]; !ok {
		key = Key{Sender: b, Receiver: a}
	}
	m.mu.Unlock()

	return m.apply(key, EventCancel, nil)
}

// FailPeer fails every session id takes part in and returns them.
func (m *Manager) FailPeer(id string) []Session {
	return m.failWhere(EventDisconnect, func(s *Session) bool {
		return s.Sender == id || s.Receiver == id
	})
}

// Expire fails sessions that have not moved for longer than idle.
func (m *Manager) Expire(idle time.Duration) []Session {
	cutoff := m.now().Add(-idle)
	return m.failWhere(EventTimeout, func(s *Session) bool {
		return s.UpdatedAt.Before(cutoff)
	})
}

func (m *Manager) Get(sender, receiver string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[Key{Sender: sender, Receiver: receiver}]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// apply runs one event against the session at key. If the event would leave
// the session live while a participant is gone, the session fails instead and
// ErrPeerUnavailable is returned along with it.
func (m *Manager) apply(key Key, ev Event, mutate func(*Session)) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s %s -> %s", ErrSessionNotFound, ev, key.Sender, key.Receiver)
	}

	to, ok := next(s.State, ev)
	if !ok {
		out := *s
		m.mu.Unlock()
		return out, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, out.State)
	}

	var err error
	s.UpdatedAt = m.now()
	if !to.Terminal() && !(m.peers.Contains(s.Sender) && m.peers.Contains(s.Receiver)) {
		s.State = StateFailed
		err = fmt.Errorf("%w: %s %s -> %s", ErrPeerUnavailable, ev, s.Sender, s.Receiver)
	} else {
		s.State = to
		if mutate != nil {
			mutate(s)
		}
	}

	out := *s
	if out.State.Terminal() {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if out.State.Terminal() {
		m.emit(out)
	}
	return out, err
}

func (m *Manager) failWhere(ev Event, match func(*Session) bool) []Session {
	now := m.now()

	m.mu.Lock()
	var failed []Session
	for key, s := range m.sessions {
		if !match(s) {
			continue
		}
		to, ok := next(s.State, ev)
		if !ok {
			continue
		}
		s.State = to
		s.UpdatedAt = now
		failed = append(failed, *s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, s := range failed {
		m.emit(s)
	}
	return failed
}

func (m *Manager) emit(s Session) {
	for _, fn := range m.observers {
		fn(s)
	}
}
