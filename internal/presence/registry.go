// Package presence keeps the authoritative list of connected peers.
package presence

import (
	"context"
	"slices"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

const defaultNamePrefix = "User"

// Conn is the part of a peer connection the relay needs to reach it.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
}

// Member is a registered peer.
type Member struct {
	ID   string
	Name string
	Conn Conn
}

// Registry maps peer id to display name and connection. The lock only guards
// map updates; callers do their I/O after the call returns.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*Member
	order   []string
	changes chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*Member),
		changes: make(chan struct{}, 1),
	}
}

// DefaultName derives a display name from a connection id.
func DefaultName(id string) string {
	if len(id) > 4 {
		id = id[:4]
	}
	return defaultNamePrefix + id
}

// Register inserts the peer or renames it if the id is already present.
// An empty name falls back to DefaultName.
func (r *Registry) Register(id, name string, conn Conn) Member {
	if name == "" {
		name = DefaultName(id)
	}

	r.mu.Lock()
	m, ok := r.members[id]
	if ok {
		m.Name = name
		if conn != nil {
			m.Conn = conn
		}
	} else {
		m = &Member{ID: id, Name: name, Conn: conn}
		r.members[id] = m
		r.order = append(r.order, id)
	}
	out := *m
	r.mu.Unlock()

	r.notify()
	return out
}

// Unregister removes the peer. It reports whether anything was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.members[id]
	if ok {
		delete(r.members, id)
		r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	}
	r.mu.Unlock()

	if ok {
		r.notify()
	}
	return ok
}

func (r *Registry) Lookup(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (r *Registry) Contains(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members)
}

// Snapshot lists members in first-registration order.
func (r *Registry) Snapshot() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, protocol.User{ID: id, Username: r.members[id].Name})
	}
	return users
}

// Members returns copies of all members, for broadcasting.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		members = append(members, *r.members[id])
	}
	return members
}

// Changes fires after membership changes. Bursts coalesce into one signal,
// so a reader that snapshots on every signal always ends on the latest state.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}
