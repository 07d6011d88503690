// Package snapshot turns stored gossip state into servable snapshots: the
// staleness tracker classifies prunable channels, the calculator assembles
// a baseline or delta for a client's reference timestamp, and the cache
// keeps encoded snapshots hot across clustered client requests.
package snapshot

import (
	"context"
	"time"

	"github.com/hazyhaar/gossnap/gossip"
	"github.com/hazyhaar/gossnap/store"
)

// Tracker derives which channels are prunable as of a point in time. It is
// a pure function of store state and the configured horizon; it never
// mutates the store.
//
// The tracker is the single owner of the horizon value. The calculator
// reads it from here so the threshold that decides a delta's deletion table
// can never drift from the one that decides what a baseline omits.
type Tracker struct {
	store   *store.Store
	horizon time.Duration
}

// NewTracker creates a Tracker over st with the given staleness horizon.
func NewTracker(st *store.Store, horizon time.Duration) *Tracker {
	return &Tracker{store: st, horizon: horizon}
}

// Horizon returns the configured staleness horizon.
func (t *Tracker) Horizon() time.Duration { return t.horizon }

func (t *Tracker) horizonSeconds() uint32 { return uint32(t.horizon / time.Second) }

// PrunableChannels returns the set of channels prunable at now: those whose
// announcement and both directional updates are all older than now − horizon.
func (t *Tracker) PrunableChannels(ctx context.Context, now uint32) (map[gossip.ShortChannelID]struct{}, error) {
	scids, err := t.store.PrunableSCIDs(ctx, now, t.horizonSeconds())
	if err != nil {
		return nil, err
	}
	return scidSet(scids), nil
}

// PrunableChannelsAt reconstructs the prunable set as of a past reference
// from update_history: a channel pruned and later revived still reads as
// prunable at that reference.
func (t *Tracker) PrunableChannelsAt(ctx context.Context, ref uint32) (map[gossip.ShortChannelID]struct{}, error) {
	scids, err := t.store.PrunableSCIDsAt(ctx, ref, t.horizonSeconds())
	if err != nil {
		return nil, err
	}
	return scidSet(scids), nil
}

func scidSet(scids []gossip.ShortChannelID) map[gossip.ShortChannelID]struct{} {
	set := make(map[gossip.ShortChannelID]struct{}, len(scids))
	for _, scid := range scids {
		set[scid] = struct{}{}
	}
	return set
}
