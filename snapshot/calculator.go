package snapshot

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/gossnap/gossip"
	"github.com/hazyhaar/gossnap/store"
	"github.com/hazyhaar/gossnap/wire"
)

// Calculator computes snapshots. It only reads the store; a computation can
// be abandoned mid-flight (context cancellation) without side effects.
type Calculator struct {
	store   *store.Store
	tracker *Tracker
	chain   gossip.ChainHash
	now     func() time.Time
	log     *slog.Logger
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithCalculatorClock overrides the wall clock. Tests only.
func WithCalculatorClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) { c.now = now }
}

// WithCalculatorLogger overrides the default slog logger.
func WithCalculatorLogger(l *slog.Logger) CalculatorOption {
	return func(c *Calculator) { c.log = l }
}

// NewCalculator creates a Calculator over st for the given chain. The
// staleness horizon comes from tr — there is deliberately no second horizon
// parameter.
func NewCalculator(st *store.Store, tr *Tracker, chain gossip.ChainHash, opts ...CalculatorOption) *Calculator {
	c := &Calculator{store: st, tracker: tr, chain: chain, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compute produces the snapshot for a client whose view is current through
// reference (protocol seconds). References that are out of representable
// range — negative, beyond now, or older than now − horizon — cannot be
// served a guaranteed-complete delta and get a full baseline instead.
func (c *Calculator) Compute(ctx context.Context, reference int64) (*wire.Snapshot, error) {
	now := uint32(c.now().Unix())
	horizon := int64(c.tracker.horizonSeconds())

	if reference <= 0 || reference > int64(now) || reference < int64(now)-horizon {
		return c.baseline(ctx, now)
	}
	return c.delta(ctx, uint32(reference), now)
}

func (c *Calculator) baseline(ctx context.Context, now uint32) (*wire.Snapshot, error) {
	live, err := c.store.AllLive(ctx, now, c.tracker.horizonSeconds())
	if err != nil {
		return nil, fmt.Errorf("snapshot: baseline: %w", err)
	}

	s := &wire.Snapshot{Chain: c.chain, Baseline: true}
	index := buildNodeTable(s, live.Nodes)
	appendChannels(s, live.Channels, index)
	for _, u := range live.Updates {
		// Baselines carry every field: the client has no prior state to
		// diff against.
		s.Updates = append(s.Updates, encodeUpdate(u, wire.FieldAll))
	}
	s.Reference = contentReference(s, 0)
	return s, nil
}

func (c *Calculator) delta(ctx context.Context, reference, now uint32) (*wire.Snapshot, error) {
	changed, err := c.store.ChangedSince(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("snapshot: delta: %w", err)
	}
	prunableNow, err := c.tracker.PrunableChannels(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("snapshot: delta: %w", err)
	}
	prunableThen, err := c.tracker.PrunableChannelsAt(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("snapshot: delta: %w", err)
	}

	s := &wire.Snapshot{Chain: c.chain, Reference: reference}

	// Channels newly pruned since the client's reference become explicit
	// deletions. The at-reference set is reconstructed from update_history,
	// so updates arriving after the reference cannot make the past look
	// live and repeat a deletion an earlier sync already delivered.
	for scid := range prunableNow {
		if _, already := prunableThen[scid]; already {
			continue
		}
		s.Deletions = append(s.Deletions, scid)
	}
	slices.Sort(s.Deletions)

	// A channel the client deleted can come back. It reads as revived when
	// it was prunable at the reference itself, or when a horizon-sized gap
	// in its retained timestamps falls between the reference and now (an
	// intermediate delta deleted it before fresh updates arrived). Revived
	// channels are re-sent whole: announcement, endpoints, every policy
	// field.
	revived := make(map[gossip.ShortChannelID]struct{})
	for scid := range prunableThen {
		if _, still := prunableNow[scid]; !still {
			revived[scid] = struct{}{}
		}
	}
	changedChannels := make(map[gossip.ShortChannelID]struct{}, len(changed.Channels))
	for _, ch := range changed.Channels {
		changedChannels[ch.SCID] = struct{}{}
	}
	var candidates []gossip.ShortChannelID
	for _, u := range changed.Updates {
		if _, ok := prunableNow[u.SCID]; ok {
			continue
		}
		if _, ok := revived[u.SCID]; ok {
			continue
		}
		if _, ok := changedChannels[u.SCID]; ok {
			continue
		}
		if len(candidates) > 0 && candidates[len(candidates)-1] == u.SCID {
			continue
		}
		candidates = append(candidates, u.SCID)
	}
	lapsed, err := c.lapsedSCIDs(ctx, candidates, reference, now)
	if err != nil {
		return nil, fmt.Errorf("snapshot: delta: %w", err)
	}
	for _, scid := range lapsed {
		revived[scid] = struct{}{}
	}
	revivedIDs := make([]gossip.ShortChannelID, 0, len(revived))
	for scid := range revived {
		revivedIDs = append(revivedIDs, scid)
	}
	slices.Sort(revivedIDs)

	var channels []store.Channel
	for _, ch := range changed.Channels {
		if _, pruned := prunableNow[ch.SCID]; !pruned {
			channels = append(channels, ch)
		}
	}
	if len(revivedIDs) > 0 {
		more, err := c.store.ChannelsBySCID(ctx, revivedIDs)
		if err != nil {
			return nil, fmt.Errorf("snapshot: delta: %w", err)
		}
		channels = append(channels, more...)
		slices.SortFunc(channels, func(a, b store.Channel) int {
			return cmp.Compare(a.SCID, b.SCID)
		})
	}

	// The node table carries changed nodes plus the endpoints of any new or
	// revived channel; endpoints of channels the client already has need no
	// row.
	nodes, err := c.deltaNodes(ctx, changed.Nodes, channels)
	if err != nil {
		return nil, err
	}
	index := buildNodeTable(s, nodes)
	appendChannels(s, channels, index)

	for _, u := range changed.Updates {
		if _, pruned := prunableNow[u.SCID]; pruned {
			continue
		}
		if _, rev := revived[u.SCID]; rev {
			continue
		}
		prior, err := c.store.PolicyAt(ctx, u.SCID, u.Direction, reference)
		if err != nil {
			return nil, fmt.Errorf("snapshot: delta: %w", err)
		}
		s.Updates = append(s.Updates, encodeUpdate(u, diffMask(u.Policy, prior)))
	}
	if len(revivedIDs) > 0 {
		more, err := c.store.UpdatesBySCID(ctx, revivedIDs)
		if err != nil {
			return nil, fmt.Errorf("snapshot: delta: %w", err)
		}
		for _, u := range more {
			s.Updates = append(s.Updates, encodeUpdate(u, wire.FieldAll))
		}
		slices.SortFunc(s.Updates, func(a, b wire.Update) int {
			if a.SCID != b.SCID {
				return cmp.Compare(a.SCID, b.SCID)
			}
			return cmp.Compare(a.Direction, b.Direction)
		})
	}

	s.Reference = contentReference(s, reference)
	c.log.Debug("computed delta snapshot",
		"reference", reference,
		"channels", len(s.Channels),
		"updates", len(s.Updates),
		"deletions", len(s.Deletions))
	return s, nil
}

// lapsedSCIDs filters scids down to channels that spent time prunable
// strictly between the reference and now: a gap wider than the horizon
// between consecutive retained timestamps inside that window.
func (c *Calculator) lapsedSCIDs(ctx context.Context, scids []gossip.ShortChannelID, reference, now uint32) ([]gossip.ShortChannelID, error) {
	if len(scids) == 0 {
		return nil, nil
	}
	channels, err := c.store.ChannelsBySCID(ctx, scids)
	if err != nil {
		return nil, err
	}
	history, err := c.store.HistoryTimestamps(ctx, scids)
	if err != nil {
		return nil, err
	}
	horizon := uint64(c.tracker.horizonSeconds())
	var out []gossip.ShortChannelID
	for _, ch := range channels {
		last := uint64(ch.Timestamp)
		for _, ts := range history[ch.SCID] {
			if ts <= reference {
				if uint64(ts) > last {
					last = uint64(ts)
				}
				continue
			}
			if ts > now {
				break
			}
			if last+horizon < uint64(ts) {
				out = append(out, ch.SCID)
				break
			}
			last = uint64(ts)
		}
	}
	return out, nil
}

func (c *Calculator) deltaNodes(ctx context.Context, changed []store.Node, channels []store.Channel) ([]store.Node, error) {
	have := make(map[gossip.NodeID]struct{}, len(changed))
	for _, n := range changed {
		have[n.ID] = struct{}{}
	}
	var missing []gossip.NodeID
	for _, ch := range channels {
		for _, id := range [2]gossip.NodeID{ch.Node1, ch.Node2} {
			if _, ok := have[id]; !ok {
				have[id] = struct{}{}
				missing = append(missing, id)
			}
		}
	}
	extra, err := c.store.NodesByID(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("snapshot: delta nodes: %w", err)
	}
	return append(append([]store.Node(nil), changed...), extra...), nil
}

// buildNodeTable fills s.Nodes sorted by identity and returns the dense
// index. The ordering is fully determined by the node set, which keeps
// encoding deterministic.
func buildNodeTable(s *wire.Snapshot, nodes []store.Node) map[gossip.NodeID]uint32 {
	slices.SortFunc(nodes, func(a, b store.Node) int {
		if a.ID.Less(b.ID) {
			return -1
		}
		if b.ID.Less(a.ID) {
			return 1
		}
		return 0
	})
	index := make(map[gossip.NodeID]uint32, len(nodes))
	for _, n := range nodes {
		if _, dup := index[n.ID]; dup {
			continue
		}
		index[n.ID] = uint32(len(s.Nodes))
		s.Nodes = append(s.Nodes, wire.Node{
			ID:        n.ID,
			Timestamp: n.Timestamp,
			Features:  n.Features,
			Addresses: n.Addresses,
		})
	}
	return index
}

func appendChannels(s *wire.Snapshot, channels []store.Channel, index map[gossip.NodeID]uint32) {
	for _, ch := range channels {
		s.Channels = append(s.Channels, wire.Channel{
			SCID:       ch.SCID,
			Node1Index: index[ch.Node1],
			Node2Index: index[ch.Node2],
			Timestamp:  ch.Timestamp,
		})
	}
}

func encodeUpdate(u store.Update, mask wire.FieldMask) wire.Update {
	p := u.Policy
	return wire.Update{
		SCID:                      u.SCID,
		Direction:                 u.Direction,
		Disabled:                  p.Disabled,
		Timestamp:                 p.Timestamp,
		Fields:                    mask,
		CLTVExpiryDelta:           p.CLTVExpiryDelta,
		HTLCMinimumMsat:           p.HTLCMinimumMsat,
		HTLCMaximumMsat:           p.HTLCMaximumMsat,
		FeeBaseMsat:               p.FeeBaseMsat,
		FeeProportionalMillionths: p.FeeProportionalMillionths,
	}
}

// diffMask flags the fields that changed relative to the policy the client
// already knows. With no prior policy every field is present — the codec
// must never rely on the client guessing.
func diffMask(p gossip.ChannelPolicy, prior *gossip.ChannelPolicy) wire.FieldMask {
	if prior == nil {
		return wire.FieldAll
	}
	var m wire.FieldMask
	if p.CLTVExpiryDelta != prior.CLTVExpiryDelta {
		m |= wire.FieldCLTVDelta
	}
	if p.HTLCMinimumMsat != prior.HTLCMinimumMsat {
		m |= wire.FieldHTLCMin
	}
	if p.FeeBaseMsat != prior.FeeBaseMsat {
		m |= wire.FieldFeeBase
	}
	if p.FeeProportionalMillionths != prior.FeeProportionalMillionths {
		m |= wire.FieldFeeProp
	}
	if p.HTLCMaximumMsat != prior.HTLCMaximumMsat {
		m |= wire.FieldHTLCMax
	}
	return m
}

// contentReference is the greatest timestamp actually included, with floor
// as the carried-forward value for an empty snapshot.
func contentReference(s *wire.Snapshot, floor uint32) uint32 {
	ref := floor
	for _, n := range s.Nodes {
		if n.Timestamp > ref {
			ref = n.Timestamp
		}
	}
	for _, c := range s.Channels {
		if c.Timestamp > ref {
			ref = c.Timestamp
		}
	}
	for _, u := range s.Updates {
		if u.Timestamp > ref {
			ref = u.Timestamp
		}
	}
	return ref
}
