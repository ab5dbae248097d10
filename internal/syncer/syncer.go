// Package syncer is the offline-first bridge between the local store and the
// FestivAir cloud. Every device enqueues its mutations durably; only the
// device currently elected gateway drains the queue upward and pulls remote
// deltas down, then floods the reconciled result back into the mesh so peers
// without connectivity see cloud state too.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/surfhero25/festivair-sub001/internal/cloud"
	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/protocol"
	"github.com/surfhero25/festivair-sub001/internal/store"
	"gorm.io/gorm"
)

const (
	cursorSetting = "sync_cursor"
	drainBatch    = 64

	defaultQueueCap    = 256
	defaultAttemptCap  = 5
	defaultBackoffBase = 2 * time.Second
	defaultCallTimeout = 10 * time.Second
	defaultPartyRadius = 25 // km
)

// Publisher floods a payload into the mesh. Satisfied by *relay.Relay.
type Publisher interface {
	Send(p protocol.Payload, targetSquadID string) (string, error)
}

// Failure is one mutation dropped after exhausting its attempts, surfaced to
// the application as the "could not sync" signal.
type Failure struct {
	EntityKind string
	Operation  string
	Attempts   int
	Err        error
}

// Config bounds the syncer. Zero values pick the defaults.
type Config struct {
	QueueCap    int
	AttemptCap  int
	BackoffBase time.Duration
	CallTimeout time.Duration
}

// Syncer owns the durable mutation queue and the gateway-only cloud cycle.
type Syncer struct {
	db        *gorm.DB
	backend   cloud.Backend
	publisher Publisher
	isGateway func() bool
	squadID   string
	cfg       Config

	inFlight atomic.Bool
	failures chan Failure

	now     func() time.Time
	log     *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the syncer's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Syncer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches node metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithClock replaces the wall clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a syncer. isGateway reports the current election outcome; the
// cloud cycle is a no-op while it returns false.
func New(db *gorm.DB, backend cloud.Backend, pub Publisher, isGateway func() bool, squadID string, cfg Config, opts ...Option) *Syncer {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = defaultQueueCap
	}
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = defaultAttemptCap
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if isGateway == nil {
		isGateway = func() bool { return false }
	}

	s := &Syncer{
		db:        db,
		backend:   backend,
		publisher: pub,
		isGateway: isGateway,
		squadID:   squadID,
		cfg:       cfg,
		failures:  make(chan Failure, 16),
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue records a local mutation for cloud propagation. It always succeeds
// unless the store itself fails; at capacity the oldest queued item is
// evicted to make room.
func (s *Syncer) Enqueue(entityKind, operation, entityID string, payload []byte) error {
	item := store.SyncQueueItem{
		EntityKind: entityKind,
		Operation:  operation,
		Payload:    payload,
		EnqueuedAt: s.now().Unix(),
	}
	// EntityID rides inside the payload for creates; updates and deletes
	// need it addressable, so it is prepended to the stored payload wrapper.
	if entityID != "" {
		item.Payload = wrapPayload(entityID, payload)
	}
	if err := store.EnqueueSyncItem(s.db, item, s.cfg.QueueCap); err != nil {
		return err
	}
	s.metrics.ObserveSyncQueueDepth(s.QueueLen())
	return nil
}

// QueueLen returns how many mutations still await cloud propagation.
func (s *Syncer) QueueLen() int {
	n, err := store.SyncQueueLen(s.db)
	if err != nil {
		return 0
	}
	return n
}

// Failures delivers mutations dropped after the attempt cap. The channel is
// buffered; when nobody listens, drops are still logged and counted.
func (s *Syncer) Failures() <-chan Failure {
	return s.failures
}

// OnSyncRequest handles a peer's explicit plea for cloud state. Only the
// gateway reacts, by running a cycle out of schedule. The requester may have
// missed earlier republished blobs entirely, so the fetch replays the full
// feed instead of just the delta past the cursor.
func (s *Syncer) OnSyncRequest(ctx context.Context) {
	if !s.isGateway() {
		return
	}
	go s.runCycle(ctx, true)
}

// OnSyncResponse folds a gateway's republished cloud blob into local state.
// Reconciliation is idempotent, so mesh-duplicated blobs are harmless.
func (s *Syncer) OnSyncResponse(sr protocol.SyncResponse) {
	records, err := DecodeBlob(sr.Blob)
	if err != nil {
		s.log.Debug("dropping malformed sync blob", "err", err)
		return
	}
	if err := Reconcile(s.db, records); err != nil {
		s.log.Warn("sync blob reconcile failed", "err", err)
	}
}

// RunCloudCycle performs one gateway sync cycle: drain the queue upward,
// pull remote deltas, reconcile them locally, and flood the result into the
// mesh. Cycles are single-flight; a trigger arriving mid-cycle is skipped.
// On a non-gateway device this is a no-op.
func (s *Syncer) RunCloudCycle(ctx context.Context) {
	s.runCycle(ctx, false)
}

// runCycle does the work; fullReplay ignores the cursor for this fetch so the
// whole feed is reconciled and republished again.
func (s *Syncer) runCycle(ctx context.Context, fullReplay bool) {
	if !s.isGateway() {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	cloudUp := s.drainQueue(ctx)
	s.metrics.ObserveSyncQueueDepth(s.QueueLen())

	if !cloudUp {
		// No connectivity this cycle; the queue keeps accumulating and the
		// next epoch tries again.
		return
	}

	records := s.fetchRemote(ctx, fullReplay)
	if len(records) == 0 {
		return
	}

	if err := Reconcile(s.db, records); err != nil {
		s.log.Warn("remote delta reconcile failed", "err", err)
		return
	}

	s.republish(records)
	s.metrics.MarkHealthy()
}

// drainQueue pushes due mutations FIFO. Per-item failures are isolated; a
// transport-level outage aborts the drain early and reports the cloud down.
func (s *Syncer) drainQueue(ctx context.Context) bool {
	items, err := store.DueSyncItems(s.db, s.now().Unix(), drainBatch)
	if err != nil {
		s.log.Warn("cannot read sync queue", "err", err)
		return false
	}

	for _, item := range items {
		entityID, payload := unwrapPayload(item.Payload)
		mutation := cloud.Mutation{
			EntityKind: item.EntityKind,
			Operation:  item.Operation,
			EntityID:   entityID,
			Payload:    payload,
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := s.backend.Push(callCtx, mutation)
		cancel()

		if err == nil {
			s.metrics.IncCloudPush(true)
			if err := store.DeleteSyncItem(s.db, item.ID); err != nil {
				s.log.Warn("cannot remove acknowledged item", "item", item.ID, "err", err)
			}
			continue
		}

		s.metrics.IncCloudPush(false)

		// An unreachable cloud is a property of the cycle, not of the item:
		// abort without charging an attempt, so an outage of any length never
		// expires queued mutations. Every remaining item would only burn its
		// timeout too.
		if errors.Is(err, cloud.ErrUnavailable) || ctx.Err() != nil {
			return false
		}

		attempts := item.AttemptCount + 1
		if !cloud.Retryable(err) || attempts >= s.cfg.AttemptCap {
			s.dropItem(item, attempts, err)
			continue
		}

		backoff := s.cfg.BackoffBase << item.AttemptCount
		if err := store.BumpSyncAttempt(s.db, item.ID, s.now().Add(backoff).Unix()); err != nil {
			s.log.Warn("cannot record failed attempt", "item", item.ID, "err", err)
		}
	}
	return true
}

func (s *Syncer) dropItem(item store.SyncQueueItem, attempts int, cause error) {
	s.metrics.IncSyncDrops()
	s.log.Warn("dropping unsyncable mutation",
		"kind", item.EntityKind, "op", item.Operation, "attempts", attempts, "err", cause)
	if err := store.DeleteSyncItem(s.db, item.ID); err != nil {
		s.log.Warn("cannot remove dropped item", "item", item.ID, "err", err)
	}

	select {
	case s.failures <- Failure{EntityKind: item.EntityKind, Operation: item.Operation, Attempts: attempts, Err: cause}:
	default:
	}
}

// fetchRemote pulls the squad delta feed plus nearby public parties, and
// advances the sync cursor only after a successful fetch.
func (s *Syncer) fetchRemote(ctx context.Context, fullReplay bool) []cloud.Record {
	cursor := s.loadCursor()
	since := cursor
	if fullReplay {
		since = 0
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	delta, err := s.backend.FetchSince(callCtx, s.squadID, since)
	cancel()
	if err != nil {
		s.log.Debug("delta fetch failed", "cursor", since, "err", err)
		return nil
	}
	s.metrics.IncCloudFetches()

	records := delta.Records

	if lat, lon, ok := s.ownPosition(); ok {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		parties, err := s.backend.FetchNearbyParties(callCtx, lat, lon, defaultPartyRadius)
		cancel()
		if err != nil {
			s.log.Debug("nearby parties fetch failed", "err", err)
		} else {
			records = append(records, parties...)
		}
	}

	if delta.Cursor > cursor {
		s.saveCursor(delta.Cursor)
	}
	return records
}

// ownPosition reads the freshest position fix any squad member reported,
// which anchors the nearby-parties query.
func (s *Syncer) ownPosition() (lat, lon float64, ok bool) {
	var user store.User
	err := s.db.Where("location_at > 0").Order("location_at desc").First(&user).Error
	if err != nil {
		return 0, 0, false
	}
	return user.Lat, user.Lon, true
}

// republish floods the reconciled remote records to the squad so peers
// without connectivity receive cloud state through the mesh.
func (s *Syncer) republish(records []cloud.Record) {
	blob, err := EncodeBlob(records)
	if err != nil {
		s.log.Warn("cannot encode sync blob", "err", err)
		return
	}

	_, err = s.publisher.Send(protocol.Payload{
		SyncResponse: &protocol.SyncResponse{Blob: blob},
	}, s.squadID)
	if err != nil {
		s.log.Warn("sync republish failed", "err", err)
		return
	}
	s.log.Info("cloud delta republished to mesh", "records", len(records))
}

func (s *Syncer) loadCursor() int64 {
	val, err := store.GetSetting(s.db, cursorSetting)
	if err != nil || val == "" {
		return 0
	}
	cursor, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}

func (s *Syncer) saveCursor(cursor int64) {
	if err := store.SetSetting(s.db, cursorSetting, strconv.FormatInt(cursor, 10)); err != nil {
		s.log.Warn("cannot persist sync cursor", "err", err)
	}
}

// queued wraps a payload with the entity id it addresses, so updates and
// deletes stay routable after a process restart.
type queued struct {
	EntityID string          `json:"entity_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func wrapPayload(entityID string, payload []byte) []byte {
	data, err := json.Marshal(queued{EntityID: entityID, Data: payload})
	if err != nil {
		return payload
	}
	return data
}

func unwrapPayload(stored []byte) (entityID string, payload []byte) {
	var q queued
	if err := json.Unmarshal(stored, &q); err != nil || q.EntityID == "" {
		return "", stored
	}
	return q.EntityID, q.Data
}
