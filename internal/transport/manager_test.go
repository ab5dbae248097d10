package transport

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte(`{"message_id":"m1"}`)

	errCh := make(chan error, 1)
	go func() { errCh <- WriteFrame(client, payload) }()

	got, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if writeErr := <-errCh; writeErr != nil {
		t.Fatalf("WriteFrame failed: %v", writeErr)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Frame mismatch: got %q, want %q", got, payload)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if err := WriteFrame(client, make([]byte, MaxFrameSize+1)); err == nil {
		t.Error("WriteFrame accepted an oversized frame")
	}

	// A hostile header claiming a huge frame must be rejected before any
	// allocation of that size.
	go func() {
		header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
		client.Write(header)
	}()
	if _, err := ReadFrame(server); err == nil {
		t.Error("ReadFrame accepted a frame larger than MaxFrameSize")
	}
}

// testPeer wires a Manager's events into channels so tests can wait without
// sleeping.
type testPeer struct {
	m         *Manager
	connected chan string
	gone      chan string
	data      chan receivedFrame
}

type receivedFrame struct {
	from  string
	frame []byte
}

func newTestPeer(t *testing.T, id string) *testPeer {
	t.Helper()
	p := &testPeer{
		connected: make(chan string, 8),
		gone:      make(chan string, 8),
		data:      make(chan receivedFrame, 8),
	}
	p.m = NewManager(id, "name-"+id, Events{
		PeerConnected:    func(peerID, _ string) { p.connected <- peerID },
		PeerDisconnected: func(peerID string) { p.gone <- peerID },
		Data:             func(from string, frame []byte) { p.data <- receivedFrame{from, frame} },
	}, nil)
	if err := p.m.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(p.m.Close)
	return p
}

func waitFor(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("Event for peer %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Timed out waiting for event from %q", want)
	}
}

func TestHandshakeAndSend(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b")

	if err := b.m.Dial(a.m.Addr().String()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitFor(t, a.connected, "peer-b")
	waitFor(t, b.connected, "peer-a")

	payload := []byte("hello from a")
	if err := a.m.Send("peer-b", payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-b.data:
		if got.from != "peer-a" {
			t.Errorf("Frame attributed to %q, want peer-a", got.from)
		}
		if !bytes.Equal(got.frame, payload) {
			t.Errorf("Frame mismatch: got %q", got.frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for frame")
	}

	if !a.m.Connected("peer-b") {
		t.Error("A should report peer-b connected")
	}
	if err := a.m.Send("peer-c", payload); err == nil {
		t.Error("Send to an unknown peer should fail")
	}
}

func TestBroadcastExcludesArrivalPeer(t *testing.T) {
	hub := newTestPeer(t, "peer-hub")
	b := newTestPeer(t, "peer-b")
	c := newTestPeer(t, "peer-c")

	for _, p := range []*testPeer{b, c} {
		if err := p.m.Dial(hub.m.Addr().String()); err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-hub.connected:
		case <-time.After(3 * time.Second):
			t.Fatal("Timed out waiting for hub connections")
		}
	}

	// The hub re-broadcasts a frame that arrived from b; b must not get it back.
	hub.m.Broadcast([]byte("flood"), "peer-b")

	select {
	case got := <-c.data:
		if string(got.frame) != "flood" {
			t.Errorf("C received %q, want flood", got.frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("C never received the broadcast")
	}

	select {
	case got := <-b.data:
		t.Errorf("B received %q despite being excluded", got.frame)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisconnectFiresEvent(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	b := newTestPeer(t, "peer-b")

	if err := b.m.Dial(a.m.Addr().String()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitFor(t, a.connected, "peer-b")
	waitFor(t, b.connected, "peer-a")

	b.m.Close()
	waitFor(t, a.gone, "peer-b")

	if a.m.Connected("peer-b") {
		t.Error("A still reports peer-b connected after close")
	}
}

func TestRejectsSelfConnection(t *testing.T) {
	a := newTestPeer(t, "peer-a")

	// A discovery echo can hand us our own address; the handshake must
	// recognize the loop and drop the link without firing events.
	if err := a.m.Dial(a.m.Addr().String()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	select {
	case id := <-a.connected:
		t.Errorf("Self-connection surfaced as peer %q", id)
	case <-time.After(300 * time.Millisecond):
	}
	if got := a.m.Peers(); len(got) != 0 {
		t.Errorf("Peer list should be empty, got %v", got)
	}
}

func TestListenRejectsBusyPort(t *testing.T) {
	a := newTestPeer(t, "peer-a")
	port := a.m.Addr().(*net.TCPAddr).Port

	dup := NewManager("peer-x", "x", Events{}, nil)
	if err := dup.Listen(port); err == nil {
		dup.Close()
		t.Skipf("OS allowed double bind on port %d", port)
	} else if err != nil && !contains(err.Error(), fmt.Sprint(port)) {
		t.Errorf("Error should name the port: %v", err)
	}
}

func contains(s, sub string) bool {
	return bytes.Contains([]byte(s), []byte(sub))
}
