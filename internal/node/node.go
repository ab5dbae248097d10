// Package node wires the mesh subsystems into one running FestivAir device:
// transport and discovery below, relay in the middle, presence, election and
// sync on top, with a scheduler driving the periodic work.
package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/surfhero25/festivair-sub001/internal/cloud"
	"github.com/surfhero25/festivair-sub001/internal/config"
	"github.com/surfhero25/festivair-sub001/internal/core"
	"github.com/surfhero25/festivair-sub001/internal/discovery"
	"github.com/surfhero25/festivair-sub001/internal/election"
	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/presence"
	"github.com/surfhero25/festivair-sub001/internal/protocol"
	"github.com/surfhero25/festivair-sub001/internal/relay"
	"github.com/surfhero25/festivair-sub001/internal/store"
	"github.com/surfhero25/festivair-sub001/internal/syncer"
	"github.com/surfhero25/festivair-sub001/internal/transport"
	"gorm.io/gorm"
)

const (
	sweepInterval       = 15 * time.Second
	maintenanceInterval = time.Minute
)

// Status is the node snapshot the UI surfaces.
type Status struct {
	SelfID      string
	Nick        string
	SquadID     string
	Election    election.Status
	QueueLen    int
	PeersOnline int
}

// Node owns every subsystem of one mesh device.
type Node struct {
	cfg      *config.App
	identity core.Identity
	keys     *core.Keyring
	db       *gorm.DB

	sampler  *DeviceSampler
	tracker  *presence.Tracker
	tm       *transport.Manager
	relay    *relay.Relay
	election *election.Manager
	syncer   *syncer.Syncer
	sched    *scheduler

	peerChan chan discovery.PeerInfo

	// Event channels for the presentation layer. Sends never block: a slow
	// or absent UI drops updates instead of stalling the mesh.
	MsgUpdates     chan store.ChatMessage
	PeerUpdates    chan []presence.Peer
	GatewayUpdates chan election.Status
	SyncFailures   <-chan syncer.Failure

	log     *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Node.
type Option func(*options)

type options struct {
	log         *slog.Logger
	metrics     *observability.Metrics
	sampler     *DeviceSampler
	backend     cloud.Backend
	broadcaster relay.Transport
}

// WithLogger sets the node's logger; subsystems derive component loggers.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics attaches node metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSampler replaces the device sampler.
func WithSampler(s *DeviceSampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithBackend replaces the cloud backend (tests, alternative APIs).
func WithBackend(b cloud.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithBroadcaster replaces the relay's transport surface. Used by tests that
// exercise the node without opening sockets.
func WithBroadcaster(t relay.Transport) Option {
	return func(o *options) { o.broadcaster = t }
}

// New assembles a node from its configuration, open store and identity.
func New(cfg *config.App, db *gorm.DB, id core.Identity, keys *core.Keyring, opts ...Option) *Node {
	o := options{log: slog.Default(), sampler: NewDeviceSampler(3, 100, false)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		o.backend = cloud.NewHTTPBackend(cfg.CloudBaseURL, cfg.CloudAuthToken, time.Duration(cfg.CloudTimeoutSecs)*time.Second)
	}

	n := &Node{
		cfg:            cfg,
		identity:       id,
		keys:           keys,
		db:             db,
		sampler:        o.sampler,
		peerChan:       make(chan discovery.PeerInfo, 10),
		MsgUpdates:     make(chan store.ChatMessage, 64),
		PeerUpdates:    make(chan []presence.Peer, 8),
		GatewayUpdates: make(chan election.Status, 8),
		log:            o.log,
		metrics:        o.metrics,
	}

	n.tracker = presence.NewTracker(
		time.Duration(cfg.OfflineAfterSecs)*time.Second,
		time.Duration(cfg.RemoveAfterSecs)*time.Second,
		presence.WithLogger(o.log.With(slog.String("component", "presence"))),
	)

	n.tm = transport.NewManager(id.DeviceID, cfg.Nick, transport.Events{
		PeerConnected:    n.onPeerConnected,
		PeerDisconnected: n.onPeerDisconnected,
		Data:             func(from string, frame []byte) { n.relay.Receive(from, frame) },
	}, o.log.With(slog.String("component", "transport")))

	broadcaster := o.broadcaster
	if broadcaster == nil {
		broadcaster = n.tm
	}

	n.relay = relay.New(id.DeviceID, cfg.SquadID, broadcaster, keys, relay.Config{
		MaxHops:           cfg.MaxHops,
		SeenCacheSize:     cfg.SeenCacheSize,
		ForwardsPerMinute: cfg.ForwardsPerMinute,
	},
		relay.WithLogger(o.log.With(slog.String("component", "relay"))),
		relay.WithMetrics(o.metrics),
	)

	n.election = election.NewManager(id.DeviceID, n.sampler, n.relay, n.batteryOf, election.Config{
		Interval:          time.Duration(cfg.ElectionSecs) * time.Second,
		BatteryFloor:      cfg.BatteryFloor,
		RotationThreshold: cfg.RotationThreshold,
		HysteresisMargin:  cfg.HysteresisMargin,
	},
		election.WithLogger(o.log.With(slog.String("component", "election"))),
		election.WithMetrics(o.metrics),
	)
	n.election.SetOnChange(n.onElectionChange)

	n.syncer = syncer.New(db, o.backend, n.relay, func() bool { return n.election.Status().IsGateway }, cfg.SquadID,
		syncer.Config{
			QueueCap:    cfg.SyncQueueCap,
			AttemptCap:  cfg.SyncAttemptCap,
			CallTimeout: time.Duration(cfg.CloudTimeoutSecs) * time.Second,
		},
		syncer.WithLogger(o.log.With(slog.String("component", "syncer"))),
		syncer.WithMetrics(o.metrics),
	)
	n.SyncFailures = n.syncer.Failures()

	n.relay.SetConsumers(relay.Consumers{
		Chat:            n.onChat,
		Location:        n.onLocation,
		Status:          n.onStatus,
		MeetupPin:       n.onMeetupPin,
		GatewayAnnounce: n.onGatewayAnnounce,
		Heartbeat:       n.onHeartbeat,
		SyncRequest:     func(protocol.Envelope) { n.syncer.OnSyncRequest(context.Background()) },
		SyncResponse:    func(_ protocol.Envelope, sr protocol.SyncResponse) { n.syncer.OnSyncResponse(sr) },
		Observed:        func(peerID string) { n.tracker.Observe(peerID, presence.Observation{}) },
	})

	heartbeatEvery := time.Duration(cfg.HeartbeatSecs) * time.Second
	electionEvery := time.Duration(cfg.ElectionSecs) * time.Second
	syncEvery := time.Duration(cfg.SyncSecs) * time.Second
	if cfg.LowPowerMode {
		// Halve the periodic chatter; peers tolerate the slower cadence
		// well within the offline threshold.
		heartbeatEvery *= 2
		electionEvery *= 2
		syncEvery *= 2
	}

	n.sched = newScheduler(o.log.With(slog.String("component", "scheduler")))
	n.sched.add("heartbeat", heartbeatEvery, func(context.Context) { n.publishHeartbeat() })
	n.sched.add("election", electionEvery, func(context.Context) { n.election.RunEpoch() })
	n.sched.add("sync", syncEvery, n.syncer.RunCloudCycle)
	n.sched.add("sweep", sweepInterval, func(context.Context) { n.sweep() })
	n.sched.add("maintenance", maintenanceInterval, func(context.Context) { n.maintain() })

	return n
}

// Start brings the node online: TCP mesh listener, LAN discovery, and the
// periodic scheduler. It returns once everything is running; ctx cancellation
// tears it all down.
func (n *Node) Start(ctx context.Context) error {
	if err := n.tm.Listen(n.cfg.MeshPort); err != nil {
		return err
	}

	go func() {
		if err := discovery.StartBeacon(ctx, n.cfg.MeshPort, n.identity.DeviceID, n.cfg.Nick, n.log); err != nil {
			n.log.Error("discovery beacon stopped", "err", err)
		}
	}()
	go func() {
		if err := discovery.StartListener(ctx, n.cfg.MeshPort, n.identity.DeviceID, n.peerChan, n.log); err != nil {
			n.log.Error("discovery listener stopped", "err", err)
		}
	}()
	go n.processPeers(ctx)
	go n.sched.run(ctx)

	go func() {
		<-ctx.Done()
		n.tm.Close()
	}()

	n.log.Info("node started",
		"peer", n.identity.DeviceID, "nick", n.cfg.Nick, "squad", n.cfg.SquadID, "port", n.cfg.MeshPort)
	return nil
}

// Pause suspends periodic work (process backgrounded). The durable sync queue
// is untouched; Resume re-arms the schedules.
func (n *Node) Pause() { n.sched.pause() }

// Resume re-arms periodic work after a Pause.
func (n *Node) Resume() { n.sched.resume() }

// processPeers dials every undialed peer discovery hears on the LAN.
func (n *Node) processPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case info := <-n.peerChan:
			n.tracker.Observe(info.ID, presence.Observation{Nick: info.Nick})
			if n.tm.Connected(info.ID) {
				continue
			}
			if err := n.tm.Dial(info.Addr); err != nil {
				n.log.Debug("dial failed", "peer", info.ID, "addr", info.Addr, "err", err)
			}
		}
	}
}

// --- transport events ---

func (n *Node) onPeerConnected(peerID, displayName string) {
	connected := true
	n.tracker.Observe(peerID, presence.Observation{Nick: displayName, Connected: &connected})
	n.emitPeers()
}

func (n *Node) onPeerDisconnected(peerID string) {
	n.tracker.MarkDisconnected(peerID)
	n.emitPeers()
}

// --- relay consumers ---

func (n *Node) onChat(_ protocol.Envelope, msg protocol.ChatMessage) {
	row := store.ChatMessage{
		ID: msg.ID, SquadID: msg.SquadID,
		SenderID: msg.SenderID, SenderName: msg.SenderName,
		Text: msg.Text, Timestamp: msg.Timestamp,
	}
	if err := store.SaveChatMessage(n.db, &row); err != nil {
		n.log.Warn("cannot store chat message", "id", msg.ID, "err", err)
		return
	}
	select {
	case n.MsgUpdates <- row:
	default:
	}
}

func (n *Node) onLocation(env protocol.Envelope, loc protocol.LocationUpdate) {
	err := store.UpdateUserLocation(n.db, env.OriginPeerID, loc.Lat, loc.Lon, loc.Accuracy, loc.Source, loc.Timestamp)
	if err != nil {
		n.log.Warn("cannot store location", "peer", env.OriginPeerID, "err", err)
	}
}

func (n *Node) onStatus(_ protocol.Envelope, st protocol.StatusUpdate) {
	user := store.User{
		ID: st.UserID, DisplayName: st.DisplayName,
		Status: st.Status, SquadID: st.SquadID,
		UpdatedAt: time.Now().Unix(),
	}
	if err := store.UpsertUser(n.db, user); err != nil {
		n.log.Warn("cannot store status update", "user", st.UserID, "err", err)
	}
}

func (n *Node) onMeetupPin(_ protocol.Envelope, pin protocol.MeetupPin) {
	row := store.MeetupPin{
		ID: pin.ID, Name: pin.Name, Lat: pin.Lat, Lon: pin.Lon,
		CreatorID: pin.CreatorID, CreatorName: pin.CreatorName,
		CreatedAt: pin.CreatedAt, ExpiresAt: pin.ExpiresAt,
	}
	if err := store.UpsertMeetupPin(n.db, row); err != nil {
		n.log.Warn("cannot store meetup pin", "pin", pin.ID, "err", err)
	}
}

func (n *Node) onGatewayAnnounce(_ protocol.Envelope, ann protocol.GatewayAnnounce) {
	n.election.ObserveAnnounce(ann)
	n.tracker.Observe(ann.PeerID, presence.Observation{SignalStrength: &ann.SignalStrength})
}

func (n *Node) onHeartbeat(env protocol.Envelope, hb protocol.Heartbeat) {
	n.tracker.Observe(env.OriginPeerID, presence.Observation{
		BatteryLevel: &hb.BatteryLevel,
		HasInternet:  &hb.HasService,
	})
}

// batteryOf feeds the election's view of remote candidates from presence.
func (n *Node) batteryOf(peerID string) int {
	peer, ok := n.tracker.Get(peerID)
	if !ok {
		return -1
	}
	return peer.BatteryLevel
}

func (n *Node) onElectionChange(status election.Status) {
	select {
	case n.GatewayUpdates <- status:
	default:
	}
	// A fresh gateway should not sit on a full queue until the next tick.
	if status.IsGateway {
		go n.syncer.RunCloudCycle(context.Background())
	}
}

// --- periodic work ---

func (n *Node) publishHeartbeat() {
	_, err := n.relay.Send(protocol.Payload{Heartbeat: &protocol.Heartbeat{
		UserID:       n.identity.DeviceID,
		BatteryLevel: n.sampler.BatteryLevel(),
		HasService:   n.sampler.HasInternet(),
	}}, "")
	if err != nil {
		n.log.Warn("heartbeat failed", "err", err)
	}
}

func (n *Node) sweep() {
	n.tracker.Sweep()
	peers := n.tracker.Snapshot()
	online := 0
	for _, p := range peers {
		if p.Online {
			online++
		}
	}
	n.metrics.ObservePeersOnline(online)
	n.emitPeers()
}

func (n *Node) maintain() {
	removed, err := store.PruneExpiredPins(n.db, time.Now().Unix())
	if err != nil {
		n.log.Warn("pin pruning failed", "err", err)
		return
	}
	if removed > 0 {
		n.log.Debug("expired pins pruned", "count", removed)
	}
}

func (n *Node) emitPeers() {
	select {
	case n.PeerUpdates <- n.tracker.Snapshot():
	default:
	}
}

// --- local mutations ---

// PublishChat stores a chat line, queues it for the cloud, and floods it to
// the squad.
func (n *Node) PublishChat(text string) (store.ChatMessage, error) {
	ts := time.Now().Unix()
	row := store.ChatMessage{
		ID:         core.ContentID(n.identity.DeviceID, text, ts),
		SquadID:    n.cfg.SquadID,
		SenderID:   n.identity.DeviceID,
		SenderName: n.cfg.Nick,
		Text:       text,
		Timestamp:  ts,
	}
	if err := store.SaveChatMessage(n.db, &row); err != nil {
		return store.ChatMessage{}, err
	}
	n.enqueue(syncer.KindChatMessage, cloud.OpCreate, "", row)

	_, err := n.relay.Send(protocol.Payload{ChatMessage: &protocol.ChatMessage{
		ID: row.ID, SenderID: row.SenderID, SenderName: row.SenderName,
		Text: row.Text, SquadID: row.SquadID, Timestamp: row.Timestamp,
	}}, n.cfg.SquadID)
	if err != nil {
		return store.ChatMessage{}, err
	}

	select {
	case n.MsgUpdates <- row:
	default:
	}
	return row, nil
}

// PublishLocation stores this device's position fix, queues it, and floods it
// to the squad.
func (n *Node) PublishLocation(lat, lon, accuracy float64, source string) error {
	ts := time.Now().Unix()
	if err := store.UpdateUserLocation(n.db, n.identity.DeviceID, lat, lon, accuracy, source, ts); err != nil {
		return err
	}
	n.enqueue(syncer.KindLocation, cloud.OpCreate, "", map[string]any{
		"user_id": n.identity.DeviceID, "lat": lat, "lon": lon,
		"accuracy": accuracy, "source": source, "timestamp": ts,
	})

	_, err := n.relay.Send(protocol.Payload{LocationUpdate: &protocol.LocationUpdate{
		Lat: lat, Lon: lon, Accuracy: accuracy, Timestamp: ts, Source: source,
	}}, n.cfg.SquadID)
	return err
}

// SetStatus updates this user's profile status everywhere.
func (n *Node) SetStatus(status string) error {
	ts := time.Now().Unix()
	user := store.User{
		ID: n.identity.DeviceID, DisplayName: n.cfg.Nick,
		Status: status, SquadID: n.cfg.SquadID, UpdatedAt: ts,
	}
	if err := store.UpsertUser(n.db, user); err != nil {
		return err
	}
	// Only the changed profile fields go upstream; the cloud holds the
	// location feed separately.
	n.enqueue(syncer.KindUser, cloud.OpUpdate, user.ID, map[string]any{
		"id": user.ID, "display_name": user.DisplayName,
		"status": status, "squad_id": user.SquadID, "updated_at": ts,
	})

	_, err := n.relay.Send(protocol.Payload{StatusUpdate: &protocol.StatusUpdate{
		UserID: user.ID, DisplayName: user.DisplayName, Status: status, SquadID: user.SquadID,
	}}, n.cfg.SquadID)
	return err
}

// DropPin places a meetup pin visible to the squad until it expires.
func (n *Node) DropPin(name string, lat, lon float64, ttl time.Duration) (store.MeetupPin, error) {
	now := time.Now()
	pin := store.MeetupPin{
		ID: uuid.New().String(), Name: name, Lat: lat, Lon: lon,
		CreatorID: n.identity.DeviceID, CreatorName: n.cfg.Nick,
		CreatedAt: now.Unix(), ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := store.UpsertMeetupPin(n.db, pin); err != nil {
		return store.MeetupPin{}, err
	}
	n.enqueue(syncer.KindMeetupPin, cloud.OpCreate, "", pin)

	_, err := n.relay.Send(protocol.Payload{MeetupPin: &protocol.MeetupPin{
		ID: pin.ID, Lat: pin.Lat, Lon: pin.Lon, Name: pin.Name,
		CreatorID: pin.CreatorID, CreatorName: pin.CreatorName,
		CreatedAt: pin.CreatedAt, ExpiresAt: pin.ExpiresAt,
	}}, n.cfg.SquadID)
	if err != nil {
		return store.MeetupPin{}, err
	}
	return pin, nil
}

// RequestSync asks whoever is gateway to push fresh cloud state into the mesh.
func (n *Node) RequestSync() error {
	_, err := n.relay.Send(protocol.Payload{SyncRequest: &protocol.SyncRequest{}}, n.cfg.SquadID)
	return err
}

func (n *Node) enqueue(kind, op, entityID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("cannot marshal mutation", "kind", kind, "err", err)
		return
	}
	if err := n.syncer.Enqueue(kind, op, entityID, data); err != nil {
		n.log.Warn("cannot enqueue mutation", "kind", kind, "err", err)
	}
}

// Connect dials a peer directly, bypassing LAN discovery. Useful when
// broadcast is filtered or for scripted peers on one machine.
func (n *Node) Connect(addr string) error {
	return n.tm.Dial(addr)
}

// --- read surface for UI consumers ---

// SelfID returns the device's stable peer id.
func (n *Node) SelfID() string { return n.identity.DeviceID }

// Peers returns the current presence snapshot.
func (n *Node) Peers() []presence.Peer { return n.tracker.Snapshot() }

// Sampler returns the device sampler so hosts can feed fresh readings.
func (n *Node) Sampler() *DeviceSampler { return n.sampler }

// Status returns the node snapshot for status surfaces.
func (n *Node) Status() Status {
	peers := n.tracker.Snapshot()
	online := 0
	for _, p := range peers {
		if p.Online {
			online++
		}
	}
	return Status{
		SelfID:      n.identity.DeviceID,
		Nick:        n.cfg.Nick,
		SquadID:     n.cfg.SquadID,
		Election:    n.election.Status(),
		QueueLen:    n.syncer.QueueLen(),
		PeersOnline: online,
	}
}
