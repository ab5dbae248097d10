// Package election decides which node bridges the mesh to the internet.
// Every node runs the same deterministic evaluation over the same announced
// candidate set, so the mesh converges on one gateway without any consensus
// round trips.
package election

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/protocol"
)

// State is the node's position in the gateway lifecycle.
type State string

const (
	// StateCandidate is the default: not serving, eligible to win.
	StateCandidate State = "candidate"
	// StateGateway means this node won the latest epoch and serves uplink.
	StateGateway State = "gateway"
	// StateRelinquishing means battery fell below the rotation threshold;
	// the node keeps serving until another winner can take over.
	StateRelinquishing State = "relinquishing"
)

// Status is an epoch-consistent snapshot of the election outcome.
type Status struct {
	State     State
	IsGateway bool
	GatewayID string // the peer this node currently believes is gateway
	OwnScore  int
	Epoch     uint64
}

// Sampler reports this device's own radio and battery readings. Values are
// read once per epoch.
type Sampler interface {
	SignalStrength() int // bars, 0..5
	BatteryLevel() int   // percent, -1 when unknown
}

// Publisher floods a payload into the mesh. Satisfied by *relay.Relay.
type Publisher interface {
	Send(p protocol.Payload, targetSquadID string) (string, error)
}

// Config carries the election thresholds. Zero values pick the defaults.
type Config struct {
	Interval          time.Duration // epoch period
	BatteryFloor      int           // below this a node can never be gateway
	RotationThreshold int           // below this a gateway steps down
	HysteresisMargin  int           // challenger must beat incumbent by this
}

const (
	defaultInterval          = 30 * time.Second
	defaultBatteryFloor      = 15
	defaultRotationThreshold = 30
	defaultHysteresisMargin  = 50
)

type candidate struct {
	id     string
	signal int
	heard  time.Time
}

// Manager runs one election epoch at a time and tracks the outcome.
type Manager struct {
	selfID    string
	sampler   Sampler
	publisher Publisher
	batteryOf func(peerID string) int // -1 when unknown; fed by presence
	cfg       Config

	mu         sync.Mutex
	candidates map[string]candidate
	status     Status
	onChange   func(Status)

	inFlight atomic.Bool
	now      func() time.Time
	log      *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics attaches node metrics.
func WithMetrics(mx *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithClock replaces the wall clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an election manager. batteryOf looks up the last known
// battery level of a remote candidate (usually presence data); it must return
// -1 for unknown peers.
func NewManager(selfID string, sampler Sampler, pub Publisher, batteryOf func(peerID string) int, cfg Config, opts ...Option) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatteryFloor <= 0 {
		cfg.BatteryFloor = defaultBatteryFloor
	}
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = defaultRotationThreshold
	}
	if cfg.HysteresisMargin <= 0 {
		cfg.HysteresisMargin = defaultHysteresisMargin
	}
	if batteryOf == nil {
		batteryOf = func(string) int { return -1 }
	}

	m := &Manager{
		selfID:     selfID,
		sampler:    sampler,
		publisher:  pub,
		batteryOf:  batteryOf,
		cfg:        cfg,
		candidates: make(map[string]candidate),
		status:     Status{State: StateCandidate},
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnChange registers a callback fired whenever the election outcome
// (state, gateway, or role) changes. Call before the first epoch.
func (m *Manager) SetOnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// ObserveAnnounce records a candidacy broadcast heard on the mesh. Wired as
// the relay's gateway-announce consumer.
func (m *Manager) ObserveAnnounce(ann protocol.GatewayAnnounce) {
	if ann.PeerID == "" || ann.PeerID == m.selfID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[ann.PeerID] = candidate{id: ann.PeerID, signal: ann.SignalStrength, heard: m.now()}
}

// Status returns the current election snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Score combines one candidate's readings into a comparable rank. Signal
// dominates: one bar outweighs any battery difference, since a gateway
// without service is useless no matter how charged it is. Unknown battery
// contributes nothing but does not disqualify.
func Score(signal, battery int) int {
	if battery < 0 {
		battery = 0
	}
	return signal*100 + battery
}

// RunEpoch executes one election epoch: announce own candidacy, age out
// silent candidates, and decide who the gateway is. Epochs are single-flight;
// a tick that arrives while the previous epoch still runs is skipped.
func (m *Manager) RunEpoch() {
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer m.inFlight.Store(false)

	ownSignal := m.sampler.SignalStrength()
	ownBattery := m.sampler.BatteryLevel()

	m.mu.Lock()
	state := m.status.State
	m.mu.Unlock()

	eligible := ownBattery < 0 || ownBattery >= m.cfg.BatteryFloor
	belowFloor := ownBattery >= 0 && ownBattery < m.cfg.BatteryFloor

	// An incumbent that slipped below the rotation threshold stops
	// campaigning; its silence ages it out of everyone else's candidate set
	// while it keeps serving, so the handoff converges without needing a
	// victory message.
	enteringRotation := state == StateGateway && ownBattery >= 0 && ownBattery < m.cfg.RotationThreshold
	relinquishing := state == StateRelinquishing
	campaigning := eligible && !enteringRotation && !relinquishing

	if campaigning {
		_, err := m.publisher.Send(protocol.Payload{
			GatewayAnnounce: &protocol.GatewayAnnounce{PeerID: m.selfID, SignalStrength: ownSignal},
		}, "")
		if err != nil {
			m.log.Warn("candidacy announce failed", "err", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	roster := make([]candidate, 0, len(m.candidates)+1)
	for _, c := range m.candidates {
		roster = append(roster, c)
	}
	if campaigning {
		roster = append(roster, candidate{id: m.selfID, signal: ownSignal})
	}

	winner := m.decideLocked(roster, ownBattery)

	prev := m.status
	next := Status{
		GatewayID: winner,
		OwnScore:  Score(ownSignal, ownBattery),
		Epoch:     prev.Epoch + 1,
	}

	switch {
	case (enteringRotation || relinquishing) && belowFloor:
		// The floor is a hard stop: a nearly dead device steps down even
		// with no successor in sight.
		next.State = StateCandidate
		next.IsGateway = false
	case enteringRotation:
		next.State = StateRelinquishing
		next.IsGateway = true
		next.GatewayID = m.selfID
	case relinquishing && winner == "":
		// Nobody can take over yet; keep serving on low battery rather than
		// stranding the whole mesh without an uplink.
		next.State = StateRelinquishing
		next.IsGateway = true
		next.GatewayID = m.selfID
	case relinquishing:
		next.State = StateCandidate
		next.IsGateway = false
	case winner == m.selfID:
		next.State = StateGateway
		next.IsGateway = true
	default:
		next.State = StateCandidate
		next.IsGateway = false
	}

	m.status = next
	m.metrics.IncElectionEpochs()
	m.metrics.SetGateway(next.IsGateway)

	if prev.State != next.State || prev.GatewayID != next.GatewayID || prev.IsGateway != next.IsGateway {
		m.log.Info("election outcome changed",
			"state", next.State, "gateway", next.GatewayID, "own_score", next.OwnScore, "epoch", next.Epoch)
		if m.onChange != nil {
			go m.onChange(next)
		}
	}
}

// pruneLocked drops candidates not heard from for two epochs.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-2 * m.cfg.Interval)
	for id, c := range m.candidates {
		if c.heard.Before(cutoff) {
			delete(m.candidates, id)
		}
	}
}

// decideLocked picks the winner from the roster: highest score wins, ties go
// to the lexicographically smallest id, the incumbent keeps the role unless
// beaten by more than the hysteresis margin, and anyone under the battery
// floor is out.
func (m *Manager) decideLocked(roster []candidate, ownBattery int) string {
	bestID := ""
	bestScore := -1
	incumbentID := m.status.GatewayID
	incumbentScore := -1

	for _, c := range roster {
		battery := ownBattery
		if c.id != m.selfID {
			battery = m.batteryOf(c.id)
		}
		if battery >= 0 && battery < m.cfg.BatteryFloor {
			continue
		}

		score := Score(c.signal, battery)
		if c.id == incumbentID {
			incumbentScore = score
		}
		if score > bestScore || (score == bestScore && c.id < bestID) {
			bestID = c.id
			bestScore = score
		}
	}

	if bestID == "" {
		return ""
	}
	if incumbentScore >= 0 && bestID != incumbentID && bestScore <= incumbentScore+m.cfg.HysteresisMargin {
		return incumbentID
	}
	return bestID
}
