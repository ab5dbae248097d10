package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const handshakeTimeout = 5 * time.Second

// hello is the first frame exchanged on every new connection, in both
// directions, so each side learns who it is talking to.
type hello struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
}

// Events are the callbacks the manager fires as the peer set changes and
// frames arrive. Nil callbacks are skipped.
type Events struct {
	PeerConnected    func(peerID, displayName string)
	PeerDisconnected func(peerID string)
	Data             func(fromPeerID string, frame []byte)
}

// peerConn is one live link. Frame writes are serialized per connection so
// concurrent broadcasters cannot interleave header and payload bytes.
type peerConn struct {
	id          string
	displayName string
	conn        net.Conn

	mu sync.Mutex
}

func (p *peerConn) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return WriteFrame(p.conn, data)
}

// Manager owns every TCP link to directly connected peers. Connections are
// keyed by the remote peer's stable id, learned from the hello handshake, so
// the relay can exclude the arrival peer when re-broadcasting.
type Manager struct {
	selfID      string
	displayName string
	events      Events
	log         *slog.Logger

	peers    sync.Map // peerID -> *peerConn
	listener net.Listener
	closed   atomic.Bool
}

// NewManager creates a manager for this device. events may have nil fields.
func NewManager(selfID, displayName string, events Events, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		selfID:      selfID,
		displayName: displayName,
		events:      events,
		log:         log,
	}
}

// Listen starts accepting inbound peer connections on the given TCP port.
func (m *Manager) Listen(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("transport: listen on %d: %w", port, err)
	}
	m.listener = listener

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if m.closed.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				m.log.Warn("accept failed", "err", err)
				continue
			}
			go m.handle(conn)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Dial connects out to a peer discovered on the LAN. Connecting to a peer we
// already hold a link for is a no-op.
func (m *Manager) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	go m.handle(conn)
	return nil
}

// handle runs the handshake and then pumps frames until the link dies.
func (m *Manager) handle(conn net.Conn) {
	remote, err := m.handshake(conn)
	if err != nil {
		m.log.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}

	if remote.PeerID == m.selfID {
		// Discovery beacons echo back on broadcast interfaces; never hold a
		// link to ourselves.
		conn.Close()
		return
	}

	pc := &peerConn{id: remote.PeerID, displayName: remote.DisplayName, conn: conn}
	if _, loaded := m.peers.LoadOrStore(remote.PeerID, pc); loaded {
		conn.Close()
		return
	}

	m.log.Info("peer connected", "peer", remote.PeerID, "name", remote.DisplayName, "addr", conn.RemoteAddr().String())
	if m.events.PeerConnected != nil {
		m.events.PeerConnected(remote.PeerID, remote.DisplayName)
	}

	defer func() {
		m.peers.Delete(remote.PeerID)
		conn.Close()
		m.log.Info("peer disconnected", "peer", remote.PeerID)
		if m.events.PeerDisconnected != nil {
			m.events.PeerDisconnected(remote.PeerID)
		}
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if m.events.Data != nil {
			m.events.Data(remote.PeerID, frame)
		}
	}
}

// handshake exchanges hello frames. Both sides write first, then read; the
// frames are tiny so neither write can block on a full buffer.
func (m *Manager) handshake(conn net.Conn) (hello, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return hello{}, err
	}
	defer conn.SetDeadline(time.Time{})

	own, err := json.Marshal(hello{PeerID: m.selfID, DisplayName: m.displayName})
	if err != nil {
		return hello{}, err
	}
	if err := WriteFrame(conn, own); err != nil {
		return hello{}, err
	}

	frame, err := ReadFrame(conn)
	if err != nil {
		return hello{}, err
	}
	var remote hello
	if err := json.Unmarshal(frame, &remote); err != nil {
		return hello{}, fmt.Errorf("transport: bad hello: %w", err)
	}
	if remote.PeerID == "" {
		return hello{}, errors.New("transport: hello missing peer id")
	}
	return remote, nil
}

// Send delivers one frame to a single peer.
func (m *Manager) Send(toPeerID string, data []byte) error {
	v, ok := m.peers.Load(toPeerID)
	if !ok {
		return fmt.Errorf("transport: no connection to %s", toPeerID)
	}
	return v.(*peerConn).write(data)
}

// Broadcast delivers one frame to every connected peer except those listed.
// Per-peer failures are logged and skipped; one dead link never blocks the
// rest of the mesh.
func (m *Manager) Broadcast(data []byte, except ...string) {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	m.peers.Range(func(key, value any) bool {
		id := key.(string)
		if _, excluded := skip[id]; excluded {
			return true
		}
		if err := value.(*peerConn).write(data); err != nil {
			m.log.Debug("broadcast send failed", "peer", id, "err", err)
		}
		return true
	})
}

// Connected reports whether a live link to the peer exists.
func (m *Manager) Connected(peerID string) bool {
	_, ok := m.peers.Load(peerID)
	return ok
}

// Peers returns the ids of all currently connected peers.
func (m *Manager) Peers() []string {
	var ids []string
	m.peers.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// Close stops the listener and tears down every live link.
func (m *Manager) Close() {
	m.closed.Store(true)
	if m.listener != nil {
		m.listener.Close()
	}
	m.peers.Range(func(_, value any) bool {
		value.(*peerConn).conn.Close()
		return true
	})
}
