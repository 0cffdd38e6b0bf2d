package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

func TestTransportCreateAndClose(t *testing.T) {
	tr, err := NewTransport(Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}

	if tr.LocalAddr() == nil {
		t.Error("Expected non-nil local address")
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err := tr.Accept(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed after Close, got %v", err)
	}
}

func TestTransportDialAccept(t *testing.T) {
	server, url := setupTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Peer, 1)
	errChan := make(chan error, 1)

	go func() {
		peer, err := server.Accept(ctx)
		if err != nil {
			errChan <- err
			return
		}
		accepted <- peer
	}()

	clientPeer, err := Dial(ctx, url, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	select {
	case serverPeer := <-accepted:
		defer func() { _ = serverPeer.Close() }()
		if serverPeer.ID() == "" {
			t.Error("Expected accepted peer to get an id")
		}
		if serverPeer.RemoteAddr() == "" {
			t.Error("Expected non-empty remote address")
		}
	case err := <-errChan:
		t.Fatalf("Accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for connection")
	}
}

func TestPeerSendReceive(t *testing.T) {
	server, url := setupTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan protocol.Message, 1)
	errChan := make(chan error, 1)

	go func() {
		peer, err := server.Accept(ctx)
		if err != nil {
			errChan <- err
			return
		}
		defer func() { _ = peer.Close() }()

		msg, err := peer.Receive(ctx)
		if err != nil {
			errChan <- err
			return
		}
		received <- msg
	}()

	clientPeer, err := Dial(ctx, url, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	if err := clientPeer.Send(ctx, &protocol.Join{Username: "alice"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		join, ok := msg.(*protocol.Join)
		if !ok {
			t.Fatalf("Expected *Join, got %T", msg)
		}
		if join.Username != "alice" {
			t.Errorf("Expected username alice, got %s", join.Username)
		}
	case err := <-errChan:
		t.Fatalf("Receive failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}
}

func TestPeerBinaryChunkOrder(t *testing.T) {
	server, url := setupTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunks := [][]byte{
		bytes.Repeat([]byte{1}, 65536),
		bytes.Repeat([]byte{2}, 65536),
		bytes.Repeat([]byte{3}, 10),
	}

	got := make(chan *protocol.FileChunk, len(chunks))
	go func() {
		peer, err := server.Accept(ctx)
		if err != nil {
			return
		}
		defer func() { _ = peer.Close() }()

		for range chunks {
			msg, err := peer.Receive(ctx)
			if err != nil {
				return
			}
			got <- msg.(*protocol.FileChunk)
		}
	}()

	clientPeer, err := Dial(ctx, url, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	for i, c := range chunks {
		msg := &protocol.FileChunk{To: "b", Chunk: c, Progress: i, Frame: protocol.FrameBinary}
		if err := clientPeer.Send(ctx, msg); err != nil {
			t.Fatalf("Send chunk %d failed: %v", i, err)
		}
	}

	for i, want := range chunks {
		select {
		case chunk := <-got:
			if !bytes.Equal(chunk.Chunk, want) {
				t.Errorf("Chunk %d content mismatch", i)
			}
			if chunk.Progress != i {
				t.Errorf("Chunk %d: expected progress %d, got %d", i, i, chunk.Progress)
			}
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for chunk %d", i)
		}
	}
}

func TestPeerReceiveMalformed(t *testing.T) {
	server, url := setupTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		peer, err := server.Accept(ctx)
		if err != nil {
			return
		}
		defer func() { _ = peer.Close() }()

		for i := 0; i < 2; i++ {
			_, err := peer.Receive(ctx)
			errs <- err
		}
	}()

	clientPeer, err := Dial(ctx, url, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	bad := protocol.Frame{Kind: protocol.FrameText, Data: []byte(`{"type":"file-offer","data":{}}`)}
	if err := clientPeer.SendFrame(ctx, bad); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	if err := clientPeer.Send(ctx, &protocol.Join{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := <-errs; !IsRecoverable(err) {
		t.Errorf("Expected recoverable error, got %v", err)
	}
	if err := <-errs; err != nil {
		t.Errorf("Expected connection to stay usable, got %v", err)
	}
}

func TestPeerReceiveContextCancel(t *testing.T) {
	server, url := setupTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		peer, err := server.Accept(ctx)
		if err == nil {
			<-ctx.Done()
			_ = peer.Close()
		}
	}()

	clientPeer, err := Dial(ctx, url, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	recvCtx, recvCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer recvCancel()

	if _, err := clientPeer.Receive(recvCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestTransportHandle(t *testing.T) {
	server, _ := setupTransport(t)

	server.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", server.LocalAddr()))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
}

func TestTransportHandleMethodsAndPrefix(t *testing.T) {
	server, _ := setupTransport(t)

	server.Handle("/api/thing", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), http.MethodGet)

	base := fmt.Sprintf("http://%s", server.LocalAddr())

	resp, err := http.Post(base+"/api/thing", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}

	server.HandlePrefix("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	resp, err = http.Get(base + "/index.html")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("Expected prefix handler, got %d", resp.StatusCode)
	}
}

func setupTransport(t *testing.T) (*Transport, string) {
	t.Helper()

	tr, err := NewTransport(Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	return tr, fmt.Sprintf("ws://%s%s", tr.LocalAddr(), defaultWSPath)
}
