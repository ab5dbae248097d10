package election_test

import (
	"sync"
	"testing"
	"time"

	"github.com/surfhero25/festivair-sub001/internal/election"
	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/protocol"
)

type stubSampler struct {
	mu      sync.Mutex
	signal  int
	battery int
}

func (s *stubSampler) SignalStrength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal
}

func (s *stubSampler) BatteryLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery
}

func (s *stubSampler) set(signal, battery int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = signal
	s.battery = battery
}

type stubPublisher struct {
	mu   sync.Mutex
	sent []protocol.Payload
}

func (s *stubPublisher) Send(p protocol.Payload, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return "msg-id", nil
}

func (s *stubPublisher) announceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.sent {
		if p.GatewayAnnounce != nil {
			n++
		}
	}
	return n
}

type fixture struct {
	m       *election.Manager
	sampler *stubSampler
	pub     *stubPublisher
	battery map[string]int
	clock   time.Time
}

func newFixture(t *testing.T, selfID string, cfg election.Config) *fixture {
	t.Helper()
	f := &fixture{
		sampler: &stubSampler{signal: 3, battery: 90},
		pub:     &stubPublisher{},
		battery: make(map[string]int),
		clock:   time.Date(2026, 6, 19, 20, 0, 0, 0, time.UTC),
	}
	batteryOf := func(peerID string) int {
		if b, ok := f.battery[peerID]; ok {
			return b
		}
		return -1
	}
	f.m = election.NewManager(selfID, f.sampler, f.pub, batteryOf, cfg,
		election.WithLogger(observability.NoOpLogger()),
		election.WithClock(func() time.Time { return f.clock }),
	)
	return f
}

func (f *fixture) hear(peerID string, signal, battery int) {
	f.battery[peerID] = battery
	f.m.ObserveAnnounce(protocol.GatewayAnnounce{PeerID: peerID, SignalStrength: signal})
}

func TestScore(t *testing.T) {
	if got := election.Score(5, 80); got != 580 {
		t.Errorf("Score(5,80) = %d, want 580", got)
	}
	// Signal dominates: full battery never outranks one extra bar.
	if election.Score(3, 100) >= election.Score(4, 0) {
		t.Error("One signal bar should outweigh any battery difference")
	}
	if got := election.Score(4, -1); got != 400 {
		t.Errorf("Unknown battery should contribute nothing, got %d", got)
	}
}

func TestLoneNodeBecomesGateway(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})

	f.m.RunEpoch()

	st := f.m.Status()
	if st.State != election.StateGateway || !st.IsGateway {
		t.Errorf("Lone eligible node should be gateway, got %+v", st)
	}
	if st.GatewayID != "peer-a" {
		t.Errorf("GatewayID = %q, want peer-a", st.GatewayID)
	}
	if f.pub.announceCount() != 1 {
		t.Errorf("Announced %d times, want 1", f.pub.announceCount())
	}
}

func TestBestScoreWins(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	f.sampler.set(3, 90) // 390

	f.hear("peer-b", 5, 80) // 580

	f.m.RunEpoch()

	st := f.m.Status()
	if st.GatewayID != "peer-b" {
		t.Errorf("GatewayID = %q, want peer-b (580 beats 390)", st.GatewayID)
	}
	if st.IsGateway {
		t.Error("Losing node must not claim the gateway role")
	}
	if st.OwnScore != 390 {
		t.Errorf("OwnScore = %d, want 390", st.OwnScore)
	}
}

func TestTieBreaksOnSmallestID(t *testing.T) {
	f := newFixture(t, "peer-c", election.Config{})
	f.sampler.set(4, 70) // 470, same as both rivals

	f.hear("peer-b", 4, 70)
	f.hear("peer-a", 4, 70)

	f.m.RunEpoch()

	if got := f.m.Status().GatewayID; got != "peer-a" {
		t.Errorf("GatewayID = %q, want peer-a (lexicographically smallest)", got)
	}
}

func TestDeterministicAcrossNodes(t *testing.T) {
	// Two different devices seeing the same candidate set and scores must
	// agree on the winner. Neither campaigns (battery under the floor).
	cfg := election.Config{}
	a := newFixture(t, "peer-a", cfg)
	b := newFixture(t, "peer-b", cfg)
	a.sampler.set(5, 5)
	b.sampler.set(5, 5)

	for _, f := range []*fixture{a, b} {
		f.hear("peer-x", 4, 60)
		f.hear("peer-y", 4, 60)
		f.hear("peer-z", 2, 100)
	}

	a.m.RunEpoch()
	b.m.RunEpoch()

	ga, gb := a.m.Status().GatewayID, b.m.Status().GatewayID
	if ga != gb {
		t.Fatalf("Devices disagree: %q vs %q", ga, gb)
	}
	if ga != "peer-x" {
		t.Errorf("Winner = %q, want peer-x (tie with peer-y broken by id)", ga)
	}
}

func TestBatteryFloorDisqualifies(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	f.sampler.set(2, 90) // 290

	f.hear("peer-b", 5, 10) // would score 510, but battery is under the floor

	f.m.RunEpoch()

	st := f.m.Status()
	if st.GatewayID != "peer-a" {
		t.Errorf("GatewayID = %q, want peer-a (peer-b is disqualified)", st.GatewayID)
	}
}

func TestOwnBatteryUnderFloorNeverCampaigns(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	f.sampler.set(5, 10)

	f.m.RunEpoch()

	st := f.m.Status()
	if st.IsGateway {
		t.Error("A node under the battery floor must never become gateway")
	}
	if st.GatewayID != "" {
		t.Errorf("GatewayID = %q, want none", st.GatewayID)
	}
	if f.pub.announceCount() != 0 {
		t.Error("A disqualified node should not announce candidacy")
	}
}

func TestUnknownBatteryStillEligible(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	f.sampler.set(1, 50) // 150

	// peer-b announced but no heartbeat has reported its battery yet.
	f.m.ObserveAnnounce(protocol.GatewayAnnounce{PeerID: "peer-b", SignalStrength: 3})

	f.m.RunEpoch()

	if got := f.m.Status().GatewayID; got != "peer-b" {
		t.Errorf("GatewayID = %q, want peer-b (unknown battery scores 300)", got)
	}
}

func TestHysteresisProtectsIncumbent(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{HysteresisMargin: 50})
	f.sampler.set(4, 50) // 450

	f.m.RunEpoch()
	if !f.m.Status().IsGateway {
		t.Fatal("peer-a should win the first epoch unopposed")
	}

	// A challenger 30 points ahead is within the margin: no handoff.
	f.hear("peer-b", 4, 80) // 480
	f.m.RunEpoch()

	st := f.m.Status()
	if st.GatewayID != "peer-a" || !st.IsGateway {
		t.Errorf("Challenger within margin displaced the incumbent: %+v", st)
	}

	// 110 points ahead clears the margin: handoff.
	f.hear("peer-b", 5, 60) // 560
	f.m.RunEpoch()

	st = f.m.Status()
	if st.GatewayID != "peer-b" {
		t.Errorf("Challenger beyond margin should take over, got %+v", st)
	}
	if st.IsGateway {
		t.Error("Displaced incumbent must drop the role")
	}
}

func TestRotationHandsOverNextEpoch(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{RotationThreshold: 30, BatteryFloor: 15})
	f.sampler.set(5, 80)

	f.m.RunEpoch()
	if f.m.Status().State != election.StateGateway {
		t.Fatal("Setup: peer-a should be gateway")
	}

	// Battery sags below the rotation threshold: keep serving, stop
	// campaigning, wait for a successor.
	f.sampler.set(5, 25)
	f.hear("peer-b", 2, 90) // 290, far below our 525: rotation ignores score
	announcesBefore := f.pub.announceCount()

	f.m.RunEpoch()

	st := f.m.Status()
	if st.State != election.StateRelinquishing {
		t.Fatalf("State = %v, want relinquishing", st.State)
	}
	if !st.IsGateway {
		t.Error("A relinquishing gateway still serves")
	}
	if f.pub.announceCount() != announcesBefore {
		t.Error("A relinquishing gateway must not campaign")
	}

	// Next epoch the successor takes over even though its score is worse.
	f.hear("peer-b", 2, 90)
	f.m.RunEpoch()

	st = f.m.Status()
	if st.State != election.StateCandidate || st.IsGateway {
		t.Errorf("Expected handoff to candidate state, got %+v", st)
	}
	if st.GatewayID != "peer-b" {
		t.Errorf("GatewayID = %q, want peer-b", st.GatewayID)
	}
}

func TestRelinquishingWithoutSuccessorKeepsServing(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	f.sampler.set(5, 80)
	f.m.RunEpoch()

	f.sampler.set(5, 20)
	f.m.RunEpoch() // enters relinquishing

	for i := 0; i < 3; i++ {
		f.m.RunEpoch()
		st := f.m.Status()
		if st.State != election.StateRelinquishing || !st.IsGateway {
			t.Fatalf("Epoch %d: lone low-battery gateway should keep serving, got %+v", i, st)
		}
	}
}

func TestFloorStopsServiceOutright(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	f.sampler.set(5, 80)
	f.m.RunEpoch()

	// Straight below the floor: step down even with no successor.
	f.sampler.set(5, 10)
	f.m.RunEpoch()

	st := f.m.Status()
	if st.IsGateway {
		t.Errorf("A node under the battery floor must stop serving, got %+v", st)
	}
}

func TestStaleCandidatesPruned(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{Interval: 30 * time.Second})
	f.sampler.set(1, 50) // 150

	f.hear("peer-b", 5, 90) // 590

	f.m.RunEpoch()
	if got := f.m.Status().GatewayID; got != "peer-b" {
		t.Fatalf("Setup: peer-b should win, got %q", got)
	}

	// peer-b goes silent for more than two epochs; its candidacy expires and
	// the role falls back to us.
	f.clock = f.clock.Add(2*time.Minute + time.Second)
	f.m.RunEpoch()

	st := f.m.Status()
	if st.GatewayID != "peer-a" {
		t.Errorf("GatewayID = %q, want peer-a after peer-b went silent", st.GatewayID)
	}
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	f := newFixture(t, "peer-a", election.Config{})
	changes := make(chan election.Status, 8)
	f.m.SetOnChange(func(st election.Status) { changes <- st })

	f.m.RunEpoch()

	select {
	case st := <-changes:
		if st.State != election.StateGateway {
			t.Errorf("First change = %+v, want gateway", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for change callback")
	}

	// A second identical epoch must not fire again.
	f.m.RunEpoch()
	select {
	case st := <-changes:
		t.Errorf("Unchanged outcome fired a callback: %+v", st)
	case <-time.After(200 * time.Millisecond):
	}
}
