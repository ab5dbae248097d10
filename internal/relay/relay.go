// Package relay implements flood routing over the festival mesh. Every node
// re-broadcasts every envelope it has not seen before, so messages reach
// peers many hops beyond direct radio range; the seen cache, visited list and
// TTL keep the flood finite.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/surfhero25/festivair-sub001/internal/core"
	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/protocol"
)

// Transport is the relay's only I/O boundary to other devices.
type Transport interface {
	Broadcast(data []byte, except ...string)
}

// Consumers receive payloads addressed to this device's squads. Exactly one
// consumer fires per accepted envelope. Nil entries are skipped. Observed
// fires for every accepted envelope regardless of squad, since any traffic
// proves its origin peer is alive.
type Consumers struct {
	Chat            func(env protocol.Envelope, msg protocol.ChatMessage)
	Location        func(env protocol.Envelope, loc protocol.LocationUpdate)
	Status          func(env protocol.Envelope, st protocol.StatusUpdate)
	MeetupPin       func(env protocol.Envelope, pin protocol.MeetupPin)
	GatewayAnnounce func(env protocol.Envelope, ann protocol.GatewayAnnounce)
	Heartbeat       func(env protocol.Envelope, hb protocol.Heartbeat)
	SyncRequest     func(env protocol.Envelope)
	SyncResponse    func(env protocol.Envelope, sr protocol.SyncResponse)

	Observed func(peerID string)
}

// Config bounds the relay's appetite. Zero values pick the defaults.
type Config struct {
	MaxHops           int
	SeenCacheSize     int
	ForwardsPerMinute int
}

const (
	defaultSeenCacheSize     = 512
	defaultForwardsPerMinute = 120
)

// Relay owns the receive path for mesh envelopes. It is safe for concurrent
// use; the transport invokes Receive from one goroutine per connected peer.
type Relay struct {
	selfID  string
	squadID string
	maxHops int

	transport Transport
	keys      *core.Keyring
	seen      *seenCache
	limiter   *rateLimiter
	consumers Consumers

	log     *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches node metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithClock replaces the forward limiter's clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.limiter = newRateLimiter(r.limiter.limit, r.limiter.window, now)
	}
}

// New creates a relay for this device. keys may be nil when the device has
// joined no squads yet.
func New(selfID, squadID string, tr Transport, keys *core.Keyring, cfg Config, opts ...Option) *Relay {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = protocol.DefaultTTL
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = defaultSeenCacheSize
	}
	if cfg.ForwardsPerMinute == 0 {
		cfg.ForwardsPerMinute = defaultForwardsPerMinute
	}
	if keys == nil {
		keys = core.NewKeyring()
	}

	r := &Relay{
		selfID:    selfID,
		squadID:   squadID,
		maxHops:   cfg.MaxHops,
		transport: tr,
		keys:      keys,
		seen:      newSeenCache(cfg.SeenCacheSize),
		limiter:   newRateLimiter(cfg.ForwardsPerMinute, time.Minute, nil),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetConsumers wires the local subscribers. Call once, before the transport
// starts delivering frames.
func (r *Relay) SetConsumers(c Consumers) {
	r.consumers = c
}

// Send wraps a payload in a fresh envelope and floods it to every directly
// connected peer. When targetSquadID names a foreign squad whose key we hold,
// the payload travels sealed so relaying strangers cannot read it. Returns
// the new envelope's message id.
func (r *Relay) Send(p protocol.Payload, targetSquadID string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	env := protocol.NewEnvelope(r.selfID, r.maxHops, p)
	if targetSquadID != "" {
		env.TargetSquadID = targetSquadID
		if targetSquadID != r.squadID && r.keys.Has(targetSquadID) {
			plain, err := json.Marshal(p)
			if err != nil {
				return "", fmt.Errorf("relay: marshal payload: %w", err)
			}
			sealed, err := r.keys.Seal(targetSquadID, plain)
			if err != nil {
				return "", fmt.Errorf("relay: seal payload: %w", err)
			}
			env.EncryptedPayload = sealed
			env.Payload = protocol.Payload{}
		}
	}

	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	// Our own flood comes back to us from every neighbor; pre-mark it seen.
	r.seen.Seen(env.MessageID)

	r.transport.Broadcast(data)
	r.metrics.IncEnvelopesSent()
	r.log.Debug("envelope sent", "message", env.MessageID, "kind", p.Kind(), "target_squad", targetSquadID)
	return env.MessageID, nil
}

// Receive handles one frame delivered by the transport. Drops are silent by
// design: flood routing treats duplicates, loops and expired envelopes as
// normal traffic, not errors.
func (r *Relay) Receive(fromPeerID string, data []byte) {
	r.metrics.IncEnvelopesReceived()

	env, err := protocol.Decode(data)
	if err != nil {
		r.metrics.IncEnvelopesDropped(observability.DropMalformed)
		r.log.Debug("dropping malformed envelope", "from", fromPeerID, "err", err)
		return
	}

	if r.seen.Seen(env.MessageID) {
		r.metrics.IncEnvelopesDropped(observability.DropDuplicate)
		return
	}

	if env.Visited(r.selfID) {
		r.metrics.IncEnvelopesDropped(observability.DropLoop)
		return
	}

	if env.TTL <= 0 {
		r.metrics.IncEnvelopesDropped(observability.DropExpired)
		return
	}

	if r.consumers.Observed != nil {
		r.consumers.Observed(env.OriginPeerID)
	}

	r.dispatch(env)

	// TTL 1 means this was the last allowed hop: consume, do not forward.
	if env.TTL > 1 {
		r.forward(env, fromPeerID)
	}
}

// memberOf reports whether this device belongs to the squad: either its
// primary squad or any squad whose key is on the ring.
func (r *Relay) memberOf(squadID string) bool {
	return squadID == r.squadID || r.keys.Has(squadID)
}

// openPayload returns the payload local consumers may see. The second result
// is false when the envelope is scoped to a squad this device cannot read;
// such envelopes are forwarded but never exposed.
func (r *Relay) openPayload(env protocol.Envelope) (protocol.Payload, bool) {
	if len(env.EncryptedPayload) == 0 {
		if env.TargetSquadID != "" && !r.memberOf(env.TargetSquadID) {
			return protocol.Payload{}, false
		}
		return env.Payload, true
	}

	if env.TargetSquadID == "" || !r.keys.Has(env.TargetSquadID) {
		return protocol.Payload{}, false
	}

	plain, err := r.keys.Open(env.TargetSquadID, env.EncryptedPayload)
	if err != nil {
		r.log.Debug("cannot open sealed payload", "message", env.MessageID, "squad", env.TargetSquadID)
		return protocol.Payload{}, false
	}

	var p protocol.Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		r.log.Debug("sealed payload is not a payload", "message", env.MessageID, "err", err)
		return protocol.Payload{}, false
	}
	if err := p.Validate(); err != nil {
		return protocol.Payload{}, false
	}
	return p, true
}

// dispatch hands the payload to the matching consumer exactly once.
func (r *Relay) dispatch(env protocol.Envelope) {
	p, visible := r.openPayload(env)
	if !visible || p.Empty() {
		return
	}

	r.metrics.IncEnvelopesDispatched()

	switch {
	case p.ChatMessage != nil:
		if r.consumers.Chat != nil {
			r.consumers.Chat(env, *p.ChatMessage)
		}
	case p.LocationUpdate != nil:
		if r.consumers.Location != nil {
			r.consumers.Location(env, *p.LocationUpdate)
		}
	case p.StatusUpdate != nil:
		if r.consumers.Status != nil {
			r.consumers.Status(env, *p.StatusUpdate)
		}
	case p.MeetupPin != nil:
		if r.consumers.MeetupPin != nil {
			r.consumers.MeetupPin(env, *p.MeetupPin)
		}
	case p.GatewayAnnounce != nil:
		if r.consumers.GatewayAnnounce != nil {
			r.consumers.GatewayAnnounce(env, *p.GatewayAnnounce)
		}
	case p.Heartbeat != nil:
		if r.consumers.Heartbeat != nil {
			r.consumers.Heartbeat(env, *p.Heartbeat)
		}
	case p.SyncRequest != nil:
		if r.consumers.SyncRequest != nil {
			r.consumers.SyncRequest(env)
		}
	case p.SyncResponse != nil:
		if r.consumers.SyncResponse != nil {
			r.consumers.SyncResponse(env, *p.SyncResponse)
		}
	}
}

// forward re-broadcasts the envelope to everyone except the peer it arrived
// from, spending one hop and one slot of the forward budget.
func (r *Relay) forward(env protocol.Envelope, arrivedFrom string) {
	if !r.limiter.Allow() {
		r.metrics.IncEnvelopesDropped(observability.DropRateLimited)
		r.log.Debug("forward budget exhausted", "message", env.MessageID)
		return
	}

	fwd := env.Forwarded(r.selfID)
	data, err := fwd.Encode()
	if err != nil {
		r.log.Warn("cannot encode forward", "message", env.MessageID, "err", err)
		return
	}

	r.transport.Broadcast(data, arrivedFrom)
	r.metrics.IncEnvelopesForwarded()
}
