package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/presence"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
)

type recordingConn struct {
	id   string
	mu   sync.Mutex
	msgs []protocol.Message
	fail bool
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) received() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

type fixture struct {
	router   *Router
	peers    *presence.Registry
	sessions *transfer.Manager
	conns    map[string]*recordingConn
}

func newFixture(t *testing.T, names map[string]string) *fixture {
	t.Helper()

	peers := presence.NewRegistry()
	sessions := transfer.NewManager(peers)
	f := &fixture{
		router:   NewRouter(peers, sessions, logger.Discard()),
		peers:    peers,
		sessions: sessions,
		conns:    map[string]*recordingConn{},
	}
	for id, name := range names {
		c := &recordingConn{id: id}
		f.conns[id] = c
		peers.Register(id, name, c)
	}
	return f
}

func (f *fixture) dispatch(t *testing.T, origin string, msg protocol.Message) error {
	t.Helper()
	return f.router.Dispatch(context.Background(), origin, msg)
}

func (f *fixture) offerAndAccept(t *testing.T, sender, receiver string) {
	t.Helper()
	require.NoError(t, f.dispatch(t, sender, &protocol.FileOffer{To: receiver, FileName: "x.txt", FileSize: 100000, FileType: "text/plain"}))
	require.NoError(t, f.dispatch(t, receiver, &protocol.FileAccept{From: sender}))
	f.conns[sender].reset()
	f.conns[receiver].reset()
}

func TestOfferIsRelayed(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})

	err := f.dispatch(t, "A", &protocol.FileOffer{To: "B", FileName: "x.txt", FileSize: 100000, FileType: "text/plain"})
	require.NoError(t, err)

	got := f.conns["B"].received()
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.FileOffer{
		From:     "A",
		FromName: "alice",
		FileName: "x.txt",
		FileSize: 100000,
		FileType: "text/plain",
	}, got[0])
	assert.Empty(t, f.conns["A"].received())

	s, ok := f.sessions.Get("A", "B")
	require.True(t, ok)
	assert.Equal(t, transfer.StateOffered, s.State)
}

func TestAcceptIsRelayedToSender(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	require.NoError(t, f.dispatch(t, "A", &protocol.FileOffer{To: "B", FileName: "x.txt"}))

	require.NoError(t, f.dispatch(t, "B", &protocol.FileAccept{From: "A"}))

	got := f.conns["A"].received()
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.FileAccept{To: "B"}, got[0])

	s, ok := f.sessions.Get("A", "B")
	require.True(t, ok)
	assert.Equal(t, transfer.StateInProgress, s.State)
}

func TestRejectStopsChunks(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	require.NoError(t, f.dispatch(t, "A", &protocol.FileOffer{To: "B", FileName: "x.txt"}))
	f.conns["B"].reset()

	require.NoError(t, f.dispatch(t, "B", &protocol.FileReject{From: "A"}))

	got := f.conns["A"].received()
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.FileReject{To: "B"}, got[0])
	assert.Zero(t, f.sessions.Len())

	err := f.dispatch(t, "A", &protocol.FileChunk{To: "B", Chunk: []byte("late"), Progress: 10})
	assert.ErrorIs(t, err, transfer.ErrSessionNotFound)
	assert.Empty(t, f.conns["B"].received())
}

func TestChunkOrderAndIntegrity(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	f.offerAndAccept(t, "A", "B")

	chunks := [][]byte{
		bytes.Repeat([]byte{0x01}, 65536),
		bytes.Repeat([]byte{0x02}, 65536),
		bytes.Repeat([]byte{0x03}, 10),
	}
	progress := []int{43, 87, 100}

	for i := range chunks {
		require.NoError(t, f.dispatch(t, "A", &protocol.FileChunk{To: "B", Chunk: chunks[i], Progress: progress[i], Frame: protocol.FrameBinary}))
	}
	require.NoError(t, f.dispatch(t, "A", &protocol.FileComplete{To: "B"}))

	got := f.conns["B"].received()
	require.Len(t, got, 4)
	for i := range chunks {
		chunk, ok := got[i].(*protocol.FileChunk)
		require.True(t, ok, "message %d is %T", i, got[i])
		assert.Equal(t, chunks[i], chunk.Chunk)
		assert.Equal(t, progress[i], chunk.Progress)
		assert.Equal(t, "A", chunk.From)
		assert.Empty(t, chunk.To)
		assert.Equal(t, protocol.FrameBinary, chunk.Frame)
	}
	assert.Equal(t, &protocol.FileComplete{From: "A"}, got[3])
	assert.Zero(t, f.sessions.Len())
}

func TestChunkToUnknownPeerIsDropped(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})

	err := f.dispatch(t, "A", &protocol.FileChunk{To: "ghost", Chunk: []byte("data"), Progress: 50})
	assert.ErrorIs(t, err, ErrPeerNotFound)

	for _, c := range f.conns {
		assert.Empty(t, c.received())
	}
}

// fadingPeers wraps a registry and can report a member gone before its
// connection has been unregistered.
type fadingPeers struct {
	*presence.Registry
	mu   sync.Mutex
	gone map[string]bool
}

func (p *fadingPeers) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.gone[id] && p.Registry.Contains(id)
}

func (p *fadingPeers) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone[id] = true
}

func TestChunkToLeavingReceiverNotifiesSender(t *testing.T) {
	peers := presence.NewRegistry()
	liveness := &fadingPeers{Registry: peers, gone: map[string]bool{}}
	sessions := transfer.NewManager(liveness)
	router := NewRouter(peers, sessions, logger.Discard())
	ctx := context.Background()

	a, b := &recordingConn{id: "A"}, &recordingConn{id: "B"}
	peers.Register("A", "alice", a)
	peers.Register("B", "bob", b)

	require.NoError(t, router.Dispatch(ctx, "A", &protocol.FileOffer{To: "B", FileName: "x.txt", FileSize: 8}))
	require.NoError(t, router.Dispatch(ctx, "B", &protocol.FileAccept{To: "A"}))
	a.reset()
	b.reset()

	liveness.drop("B")

	err := router.Dispatch(ctx, "A", &protocol.FileChunk{To: "B", Chunk: []byte("data"), Progress: 50})
	assert.ErrorIs(t, err, transfer.ErrPeerUnavailable)
	assert.Zero(t, sessions.Len())

	got := a.received()
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.FileFailed{Peer: "B", FileName: "x.txt", Reason: protocol.ReasonPeerUnavailable}, got[0])
	assert.Empty(t, b.received())
}

func TestCompleteAfterReceiverLeftStillCompletes(t *testing.T) {
	peers := presence.NewRegistry()
	liveness := &fadingPeers{Registry: peers, gone: map[string]bool{}}
	sessions := transfer.NewManager(liveness)
	router := NewRouter(peers, sessions, logger.Discard())
	ctx := context.Background()

	a, b := &recordingConn{id: "A"}, &recordingConn{id: "B"}
	peers.Register("A", "alice", a)
	peers.Register("B", "bob", b)

	require.NoError(t, router.Dispatch(ctx, "A", &protocol.FileOffer{To: "B", FileName: "x.txt"}))
	require.NoError(t, router.Dispatch(ctx, "B", &protocol.FileAccept{To: "A"}))
	a.reset()
	b.reset()

	liveness.drop("B")

	require.NoError(t, router.Dispatch(ctx, "A", &protocol.FileComplete{To: "B"}))
	assert.Zero(t, sessions.Len())
	assert.Empty(t, a.received())
	assert.Equal(t, []protocol.Message{&protocol.FileComplete{From: "A"}}, b.received())
}

func TestOfferToUnknownPeerIsDropped(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice"})

	err := f.dispatch(t, "A", &protocol.FileOffer{To: "ghost", FileName: "x.txt"})
	assert.ErrorIs(t, err, ErrPeerNotFound)
	assert.Empty(t, f.conns["A"].received())
	assert.Zero(t, f.sessions.Len())
}

func TestChunkWithoutSessionIsDropped(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})

	err := f.dispatch(t, "A", &protocol.FileChunk{To: "B", Chunk: []byte("data"), Progress: 50})
	assert.ErrorIs(t, err, transfer.ErrSessionNotFound)
	assert.Empty(t, f.conns["B"].received())
}

func TestDisconnectFailsSessionAndNotifiesSurvivor(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	f.offerAndAccept(t, "A", "B")

	f.router.Disconnect(context.Background(), "B")

	for _, u := range f.peers.Snapshot() {
		assert.NotEqual(t, "B", u.ID)
	}
	assert.Zero(t, f.sessions.Len())

	got := f.conns["A"].received()
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.FileFailed{Peer: "B", FileName: "x.txt", Reason: protocol.ReasonPeerDisconnected}, got[0])

	err := f.dispatch(t, "A", &protocol.FileChunk{To: "B", Chunk: []byte("more"), Progress: 60})
	assert.ErrorIs(t, err, ErrPeerNotFound)
	assert.Empty(t, f.conns["B"].received())
}

func TestDisconnectUnknownPeer(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice"})

	f.router.Disconnect(context.Background(), "ghost")
	assert.Equal(t, 1, f.peers.Len())
}

func TestAcceptAfterSenderLeft(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	require.NoError(t, f.dispatch(t, "A", &protocol.FileOffer{To: "B", FileName: "x.txt"}))
	f.conns["B"].reset()

	// Sender vanishes without the disconnect cascade having run yet.
	f.peers.Unregister("A")

	err := f.dispatch(t, "B", &protocol.FileAccept{From: "A"})
	assert.ErrorIs(t, err, transfer.ErrPeerUnavailable)
	assert.Zero(t, f.sessions.Len())

	got := f.conns["B"].received()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ReasonPeerUnavailable, got[0].(*protocol.FileFailed).Reason)
}

func TestCancelFromReceiver(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	f.offerAndAccept(t, "A", "B")

	require.NoError(t, f.dispatch(t, "B", &protocol.FileCancel{To: "A"}))

	got := f.conns["A"].received()
	require.Len(t, got, 1)
	assert.Equal(t, &protocol.FileCancel{From: "B"}, got[0])
	assert.Zero(t, f.sessions.Len())
}

func TestJoinRenames(t *testing.T) {
	f := newFixture(t, map[string]string{"A": ""})

	require.NoError(t, f.dispatch(t, "A", &protocol.Join{Username: "alice"}))

	m, ok := f.peers.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "alice", m.Name)
	assert.NotNil(t, m.Conn)
}

func TestServerOnlyMessagesAreRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})

	err := f.dispatch(t, "A", &protocol.UsersUpdate{})
	assert.ErrorIs(t, err, protocol.ErrUnknownMessageType)
	assert.Empty(t, f.conns["B"].received())
}

func TestMalformedEnvelopesAreIgnored(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})

	for _, msg := range []protocol.Message{
		&protocol.FileOffer{FileName: "x.txt"},
		&protocol.FileAccept{},
		&protocol.FileChunk{Chunk: []byte("x")},
		&protocol.FileComplete{},
		&protocol.FileCancel{},
	} {
		err := f.dispatch(t, "A", msg)
		assert.ErrorIs(t, err, protocol.ErrMalformedEnvelope, "%T", msg)
	}
	assert.Empty(t, f.conns["B"].received())
}

func TestBroadcastMembership(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "alice", "B": "bob"})
	f.conns["B"].fail = true

	sent := f.router.BroadcastMembership(context.Background())
	assert.Equal(t, 1, sent)

	got := f.conns["A"].received()
	require.Len(t, got, 1)
	users, ok := got[0].(protocol.UsersUpdate)
	require.True(t, ok)
	assert.Len(t, users, 2)
}

// stalledConn blocks every send until release is closed or ctx ends.
type stalledConn struct {
	id      string
	release chan struct{}
}

func (c *stalledConn) ID() string { return c.id }

func (c *stalledConn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBroadcastDoesNotWaitOnStalledPeer(t *testing.T) {
	peers := presence.NewRegistry()
	router := NewRouter(peers, transfer.NewManager(peers), logger.Discard())

	stalled := &stalledConn{id: "A", release: make(chan struct{})}
	healthy := &recordingConn{id: "B"}
	peers.Register("A", "alice", stalled)
	peers.Register("B", "bob", healthy)

	done := make(chan int, 1)
	go func() {
		done <- router.BroadcastMembership(context.Background())
	}()

	require.Eventually(t, func() bool {
		return len(healthy.received()) == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("broadcast returned while a peer was still stalled")
	default:
	}

	close(stalled.release)
	select {
	case sent := <-done:
		assert.Equal(t, 2, sent)
	case <-time.After(time.Second):
		t.Fatal("broadcast did not return")
	}
}

func TestBroadcastGivesUpOnStalledPeer(t *testing.T) {
	peers := presence.NewRegistry()
	router := NewRouter(peers, transfer.NewManager(peers), logger.Discard())

	stalled := &stalledConn{id: "A", release: make(chan struct{})}
	defer close(stalled.release)
	healthy := &recordingConn{id: "B"}
	peers.Register("A", "alice", stalled)
	peers.Register("B", "bob", healthy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Equal(t, 1, router.BroadcastMembership(ctx))
	assert.Len(t, healthy.received(), 1)
}

func TestExpireNotifiesBoth(t *testing.T) {
	now := time.Now()
	peers := presence.NewRegistry()
	sessions := transfer.NewManager(peers, transfer.WithClock(func() time.Time { return now }))
	router := NewRouter(peers, sessions, logger.Discard())

	a, b := &recordingConn{id: "A"}, &recordingConn{id: "B"}
	peers.Register("A", "alice", a)
	peers.Register("B", "bob", b)

	require.NoError(t, router.Dispatch(context.Background(), "A", &protocol.FileOffer{To: "B", FileName: "x.txt"}))
	b.reset()

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, router.Expire(context.Background(), time.Minute))

	for _, c := range []*recordingConn{a, b} {
		got := c.received()
		require.Len(t, got, 1)
		assert.Equal(t, protocol.ReasonIdleTimeout, got[0].(*protocol.FileFailed).Reason)
	}
}
