// Package presence maintains the table of peers heard anywhere on the mesh.
// It consumes metadata riding on relayed traffic and transport connect events;
// it never decodes payloads itself.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Peer is one row of the peer table. Signal and battery are -1 until a
// heartbeat or announcement reports them.
type Peer struct {
	ID             string
	Nick           string
	SignalStrength int
	BatteryLevel   int
	HasInternet    bool
	Online         bool
	Connected      bool // direct TCP link, not just reachable via hops
	LastSeen       time.Time
}

// Observation carries the fields a single event knows about. Nil fields leave
// the previous value in place, so a chat message (which knows nothing about
// battery) never erases what the last heartbeat reported.
type Observation struct {
	Nick           string
	SignalStrength *int
	BatteryLevel   *int
	HasInternet    *bool
	Connected      *bool
}

// Tracker is safe for concurrent use by the relay receive path, the sweep
// task, and UI readers.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]*Peer

	offlineAfter time.Duration
	removeAfter  time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, letting tests drive sweeps virtually.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the tracker's logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// NewTracker creates a tracker. Peers silent longer than offlineAfter are
// shown as offline; peers silent longer than removeAfter are dropped.
func NewTracker(offlineAfter, removeAfter time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		peers:        make(map[string]*Peer),
		offlineAfter: offlineAfter,
		removeAfter:  removeAfter,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records that the peer was heard from right now and merges whatever
// metadata the event carried.
func (t *Tracker) Observe(peerID string, obs Observation) {
	if peerID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID, SignalStrength: -1, BatteryLevel: -1}
		t.peers[peerID] = p
	}

	if obs.Nick != "" {
		p.Nick = obs.Nick
	}
	if obs.SignalStrength != nil {
		p.SignalStrength = *obs.SignalStrength
	}
	if obs.BatteryLevel != nil {
		p.BatteryLevel = *obs.BatteryLevel
	}
	if obs.HasInternet != nil {
		p.HasInternet = *obs.HasInternet
	}
	if obs.Connected != nil {
		p.Connected = *obs.Connected
	}

	p.Online = true
	p.LastSeen = t.now()
}

// MarkDisconnected clears the direct-link flag when a TCP connection drops.
// The peer may still be reachable through other hops, so it stays online
// until the sweep ages it out.
func (t *Tracker) MarkDisconnected(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[peerID]; ok {
		p.Connected = false
	}
}

// Get returns a copy of one peer's row.
func (t *Tracker) Get(peerID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns a stable-ordered copy of the peer table.
func (t *Tracker) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nick != out[j].Nick {
			return out[i].Nick < out[j].Nick
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sweep ages the table: peers silent past the offline threshold are marked
// offline but kept visible; peers silent past the removal threshold are
// dropped entirely.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, p := range t.peers {
		silent := now.Sub(p.LastSeen)
		switch {
		case silent > t.removeAfter:
			delete(t.peers, id)
			t.log.Debug("removed silent peer", "peer", id, "silent", silent)
		case silent > t.offlineAfter:
			if p.Online {
				p.Online = false
				t.log.Debug("peer went offline", "peer", id, "silent", silent)
			}
		}
	}
}

// Count returns the number of tracked peers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
