package snapshot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/gossnap/dbopen"
	"github.com/hazyhaar/gossnap/gossip"
	"github.com/hazyhaar/gossnap/store"
	"github.com/hazyhaar/gossnap/wire"
	_ "modernc.org/sqlite"
)

func testChain() gossip.ChainHash {
	var c gossip.ChainHash
	c[0] = 0x6f
	return c
}

func nodeID(b byte) gossip.NodeID {
	var id gossip.NodeID
	id[0] = 0x02
	id[32] = b
	return id
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := store.New(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

// newCalculator builds a calculator whose clock is frozen at now (protocol
// seconds) over a fresh store.
func newCalculator(t *testing.T, st *store.Store, horizon time.Duration, now uint32) *Calculator {
	t.Helper()
	tracker := NewTracker(st, horizon)
	return NewCalculator(st, tracker, testChain(),
		WithCalculatorClock(func() time.Time { return time.Unix(int64(now), 0) }))
}

func addChannel(t *testing.T, st *store.Store, scid uint64, ts uint32, a, b byte) {
	t.Helper()
	n1, n2 := nodeID(a), nodeID(b)
	if n2.Less(n1) {
		n1, n2 = n2, n1
	}
	applied, err := st.UpsertChannel(context.Background(), gossip.ChannelAnnouncement{
		SCID: gossip.ShortChannelID(scid), Chain: testChain(),
		Node1: n1, Node2: n2, Timestamp: ts,
	})
	if err != nil || !applied {
		t.Fatalf("add channel %d: applied=%v err=%v", scid, applied, err)
	}
}

func addUpdate(t *testing.T, st *store.Store, scid uint64, dir gossip.Direction, p gossip.ChannelPolicy) {
	t.Helper()
	applied, err := st.UpsertChannelUpdate(context.Background(), gossip.ChannelUpdate{
		SCID: gossip.ShortChannelID(scid), Chain: testChain(), Direction: dir, Policy: p,
	})
	if err != nil || !applied {
		t.Fatalf("add update %d/%d: applied=%v err=%v", scid, dir, applied, err)
	}
}

func policy(ts uint32, feeBase uint32) gossip.ChannelPolicy {
	return gossip.ChannelPolicy{
		Timestamp:       ts,
		CLTVExpiryDelta: 40,
		HTLCMinimumMsat: 1000,
		FeeBaseMsat:     feeBase,
	}
}

func TestDeltaWithFieldLevelDiff(t *testing.T) {
	// Store: one channel, both directions updated at t=100, then dir0 gets
	// a fee-base change at t=200. A client synced through t=150 needs only
	// the dir0 record with only the fee-base field present.
	st := openTestStore(t)
	ctx := context.Background()

	addChannel(t, st, 700, 90, 1, 2)
	addUpdate(t, st, 700, 0, policy(100, 10))
	addUpdate(t, st, 700, 1, policy(100, 10))
	addUpdate(t, st, 700, 0, policy(200, 99))

	calc := newCalculator(t, st, 10*time.Hour, 300)
	s, err := calc.Compute(ctx, 150)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if s.Baseline {
		t.Fatal("expected a delta")
	}
	if len(s.Channels) != 0 || len(s.Nodes) != 0 || len(s.Deletions) != 0 {
		t.Fatalf("unexpected tables: %+v", s)
	}
	if len(s.Updates) != 1 {
		t.Fatalf("updates: got %d, want 1", len(s.Updates))
	}
	u := s.Updates[0]
	if u.Direction != gossip.DirectionFirst || u.Timestamp != 200 {
		t.Fatalf("update: %+v", u)
	}
	if u.Fields != wire.FieldFeeBase {
		t.Errorf("mask: got %08b, want only fee base", u.Fields)
	}
	if u.FeeBaseMsat != 99 {
		t.Errorf("fee base: got %d", u.FeeBaseMsat)
	}
	if s.Reference != 200 {
		t.Errorf("achieved reference: got %d, want 200", s.Reference)
	}
}

func TestDeltaForOldReferenceCarriesFullChannel(t *testing.T) {
	// A client synced through t=50 predates the announcement: it receives
	// the channel, both directions with every field, and the endpoints.
	st := openTestStore(t)

	addChannel(t, st, 700, 90, 1, 2)
	addUpdate(t, st, 700, 0, policy(100, 10))
	addUpdate(t, st, 700, 1, policy(100, 10))
	addUpdate(t, st, 700, 0, policy(200, 99))

	calc := newCalculator(t, st, 10*time.Hour, 300)
	s, err := calc.Compute(context.Background(), 50)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if s.Baseline {
		t.Fatal("reference within horizon must stay a delta")
	}
	if len(s.Channels) != 1 || len(s.Nodes) != 2 {
		t.Fatalf("tables: channels=%d nodes=%d", len(s.Channels), len(s.Nodes))
	}
	if len(s.Updates) != 2 {
		t.Fatalf("updates: got %d, want 2", len(s.Updates))
	}
	for _, u := range s.Updates {
		if u.Fields != wire.FieldAll {
			t.Errorf("dir %d: mask %08b, want all fields (no prior state)", u.Direction, u.Fields)
		}
	}
	// Node table ordering is the byte-lexicographic identity order, and
	// channel endpoints resolve through it.
	if !s.Nodes[0].ID.Less(s.Nodes[1].ID) {
		t.Error("node table must be identity-sorted")
	}
	if s.Channels[0].Node1Index != 0 || s.Channels[0].Node2Index != 1 {
		t.Errorf("endpoint indices: %+v", s.Channels[0])
	}
}

func TestBaselineWhenReferenceBeyondHorizon(t *testing.T) {
	st := openTestStore(t)

	addChannel(t, st, 700, 5000, 1, 2)
	addUpdate(t, st, 700, 0, policy(5000, 10))

	calc := newCalculator(t, st, 1000*time.Second, 6000)

	for _, ref := range []int64{0, -5, 3000, 7000} {
		s, err := calc.Compute(context.Background(), ref)
		if err != nil {
			t.Fatalf("compute(%d): %v", ref, err)
		}
		if !s.Baseline {
			t.Errorf("compute(%d): expected baseline", ref)
		}
		if len(s.Deletions) != 0 {
			t.Errorf("compute(%d): baselines carry no deletions", ref)
		}
		if len(s.Channels) != 1 || len(s.Updates) != 1 || len(s.Nodes) != 2 {
			t.Errorf("compute(%d): tables %+v", ref, s)
		}
		if s.Updates[0].Fields != wire.FieldAll {
			t.Errorf("compute(%d): baseline updates carry all fields", ref)
		}
	}
}

func TestPruningLifecycle(t *testing.T) {
	// Horizon 1000s, channel last touched at t=400. At now=500 it is live;
	// at now=1500 a delta for a client synced at t=600 (before the channel
	// went stale at t=1400) lists it as deleted exactly once; a baseline at
	// now=2000 omits it entirely.
	st := openTestStore(t)
	ctx := context.Background()

	addChannel(t, st, 700, 400, 1, 2)
	addUpdate(t, st, 700, 0, policy(400, 10))

	horizon := 1000 * time.Second

	tracker := NewTracker(st, horizon)
	prunable, err := tracker.PrunableChannels(ctx, 500)
	if err != nil {
		t.Fatalf("prunable: %v", err)
	}
	if len(prunable) != 0 {
		t.Fatalf("channel must be live at now=500: %v", prunable)
	}

	calc := newCalculator(t, st, horizon, 1500)
	s, err := calc.Compute(ctx, 600)
	if err != nil {
		t.Fatalf("compute delta: %v", err)
	}
	if s.Baseline {
		t.Fatal("expected delta")
	}
	if len(s.Deletions) != 1 || s.Deletions[0] != 700 {
		t.Fatalf("deletions: %v", s.Deletions)
	}
	if len(s.Channels) != 0 || len(s.Updates) != 0 {
		t.Fatalf("pruned channel leaked into live tables: %+v", s)
	}
	// Carried-forward reference for a deletion-only delta.
	if s.Reference != 600 {
		t.Errorf("reference: got %d, want 600", s.Reference)
	}

	calc = newCalculator(t, st, horizon, 2000)
	s, err = calc.Compute(ctx, 0)
	if err != nil {
		t.Fatalf("compute baseline: %v", err)
	}
	if !s.Baseline {
		t.Fatal("expected baseline")
	}
	if len(s.Channels) != 0 || len(s.Updates) != 0 || len(s.Deletions) != 0 {
		t.Fatalf("pruned channel must vanish from baselines: %+v", s)
	}
}

func TestDeletionNotRepeatedAcrossSyncs(t *testing.T) {
	// A channel already prunable at the client's reference was handled in
	// an earlier sync; the next delta must not list it again.
	st := openTestStore(t)

	addChannel(t, st, 700, 100, 1, 2)

	calc := newCalculator(t, st, 1000*time.Second, 2500)
	s, err := calc.Compute(context.Background(), 1600)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if s.Baseline {
		t.Fatal("expected delta")
	}
	// Prunable since t=1100, i.e. before the reference: no deletion entry.
	if len(s.Deletions) != 0 {
		t.Fatalf("repeated deletion: %v", s.Deletions)
	}
}

func TestDeletedChannelRevivalReAnnounced(t *testing.T) {
	// A channel deleted by one delta and then refreshed by new gossip must
	// be re-sent whole — announcement, endpoints, full policy — or the
	// client's view diverges from the live set for good.
	st := openTestStore(t)
	ctx := context.Background()
	horizon := 1000 * time.Second

	addChannel(t, st, 700, 100, 1, 2)
	addUpdate(t, st, 700, 0, policy(150, 10))
	// A second channel keeps the client's reference fresh across syncs.
	addChannel(t, st, 800, 100, 3, 4)
	addUpdate(t, st, 800, 0, policy(1100, 20))

	view := &replayView{}

	calc := newCalculator(t, st, horizon, 1100)
	s, err := calc.Compute(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	view.apply(s)
	ref := int64(s.Reference)
	if ref != 1100 {
		t.Fatalf("baseline reference: got %d, want 1100", ref)
	}

	// Channel 700 goes stale; the next delta deletes it.
	calc = newCalculator(t, st, horizon, 1200)
	if s, err = calc.Compute(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if len(s.Deletions) != 1 || s.Deletions[0] != 700 {
		t.Fatalf("deletions: %v", s.Deletions)
	}
	view.apply(s)
	ref = int64(s.Reference)

	// Fresh gossip revives the channel.
	addUpdate(t, st, 700, 0, policy(1300, 99))

	calc = newCalculator(t, st, horizon, 1500)
	if s, err = calc.Compute(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if len(s.Channels) != 1 || s.Channels[0].SCID != 700 {
		t.Fatalf("revived channel missing: %+v", s.Channels)
	}
	if len(s.Nodes) != 2 {
		t.Fatalf("revived endpoints: got %d nodes, want 2", len(s.Nodes))
	}
	if len(s.Updates) != 1 || s.Updates[0].Fields != wire.FieldAll {
		t.Fatalf("revived policy must carry all fields: %+v", s.Updates)
	}
	if len(s.Deletions) != 0 {
		t.Fatalf("deletions: %v", s.Deletions)
	}
	view.apply(s)

	live, err := st.AllLive(ctx, 1500, uint32(horizon/time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(view.channels) != len(live.Channels) {
		t.Fatalf("channels: view %d, store %d", len(view.channels), len(live.Channels))
	}
	if _, ok := view.channels[700]; !ok {
		t.Fatal("client never got channel 700 back")
	}
}

func TestComputeDeterministic(t *testing.T) {
	st := openTestStore(t)

	addChannel(t, st, 700, 90, 1, 2)
	addChannel(t, st, 800, 95, 3, 4)
	addUpdate(t, st, 700, 0, policy(100, 10))
	addUpdate(t, st, 800, 1, policy(110, 20))

	calc := newCalculator(t, st, 10*time.Hour, 300)
	ctx := context.Background()

	a, err := calc.Compute(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	b, err := calc.Compute(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire.Encode(a), wire.Encode(b)) {
		t.Fatal("identical store state must encode byte-identically")
	}
}

func TestEmptyDeltaCarriesReferenceForward(t *testing.T) {
	st := openTestStore(t)
	addChannel(t, st, 700, 90, 1, 2)
	addUpdate(t, st, 700, 0, policy(100, 10))

	calc := newCalculator(t, st, 10*time.Hour, 300)
	s, err := calc.Compute(context.Background(), 250)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Updates)+len(s.Channels)+len(s.Nodes)+len(s.Deletions) != 0 {
		t.Fatalf("expected empty delta: %+v", s)
	}
	if s.Reference != 250 {
		t.Errorf("reference: got %d, want 250", s.Reference)
	}
}

// replayView is a minimal client: it applies baselines and deltas the way a
// light client would and exposes its resulting view for comparison.
type replayView struct {
	nodes    map[gossip.NodeID]wire.Node
	channels map[gossip.ShortChannelID]struct{}
	updates  map[gossip.ShortChannelID]map[gossip.Direction]uint32
}

func (v *replayView) apply(s *wire.Snapshot) {
	if s.Baseline {
		v.nodes = map[gossip.NodeID]wire.Node{}
		v.channels = map[gossip.ShortChannelID]struct{}{}
		v.updates = map[gossip.ShortChannelID]map[gossip.Direction]uint32{}
	}
	for _, n := range s.Nodes {
		v.nodes[n.ID] = n
	}
	for _, c := range s.Channels {
		v.channels[c.SCID] = struct{}{}
	}
	for _, u := range s.Updates {
		m, ok := v.updates[u.SCID]
		if !ok {
			m = map[gossip.Direction]uint32{}
			v.updates[u.SCID] = m
		}
		m[u.Direction] = u.Timestamp
	}
	for _, scid := range s.Deletions {
		delete(v.channels, scid)
		delete(v.updates, scid)
	}
}

func TestSnapshotCompleteness(t *testing.T) {
	// WHAT: baseline at T0 plus successive deltas reconstructs exactly the
	// live state at the end — no extra, no missing entries.
	st := openTestStore(t)
	ctx := context.Background()
	horizon := 10000 * time.Second

	addChannel(t, st, 700, 100, 1, 2)
	addUpdate(t, st, 700, 0, policy(100, 1))

	view := &replayView{}

	calc := newCalculator(t, st, horizon, 150)
	s, err := calc.Compute(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	view.apply(s)
	ref := int64(s.Reference)

	// More gossip arrives.
	addChannel(t, st, 800, 200, 3, 4)
	addUpdate(t, st, 800, 0, policy(210, 2))
	addUpdate(t, st, 700, 1, policy(220, 3))

	calc = newCalculator(t, st, horizon, 250)
	if s, err = calc.Compute(ctx, ref); err != nil {
		t.Fatal(err)
	}
	view.apply(s)
	ref = int64(s.Reference)

	addUpdate(t, st, 700, 0, policy(300, 4))

	calc = newCalculator(t, st, horizon, 350)
	if s, err = calc.Compute(ctx, ref); err != nil {
		t.Fatal(err)
	}
	view.apply(s)

	live, err := st.AllLive(ctx, 350, uint32(horizon/time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(view.channels) != len(live.Channels) {
		t.Fatalf("channels: view %d, store %d", len(view.channels), len(live.Channels))
	}
	for _, c := range live.Channels {
		if _, ok := view.channels[c.SCID]; !ok {
			t.Errorf("missing channel %v", c.SCID)
		}
	}
	total := 0
	for _, m := range view.updates {
		total += len(m)
	}
	if total != len(live.Updates) {
		t.Fatalf("updates: view %d, store %d", total, len(live.Updates))
	}
	for _, u := range live.Updates {
		if view.updates[u.SCID][u.Direction] != u.Policy.Timestamp {
			t.Errorf("update %v/%d: view ts %d, store ts %d",
				u.SCID, u.Direction, view.updates[u.SCID][u.Direction], u.Policy.Timestamp)
		}
	}
}
