package ingest

import (
	"time"

	"github.com/hazyhaar/gossnap/gossip"
)

type orphanKey struct {
	scid gossip.ShortChannelID
	dir  gossip.Direction
}

type orphanEntry struct {
	upd  gossip.ChannelUpdate
	seen time.Time
}

// orphanSet holds channel updates that arrived before their channel's
// announcement. It is bounded two ways: entries older than the retention
// window are evicted, and when the size cap is hit the oldest entry goes
// first. Only the pipeline goroutine touches it, so no locking.
type orphanSet struct {
	limit     int
	retention time.Duration
	entries   map[orphanKey]orphanEntry
}

func newOrphanSet(limit int, retention time.Duration) *orphanSet {
	return &orphanSet{
		limit:     limit,
		retention: retention,
		entries:   make(map[orphanKey]orphanEntry),
	}
}

// add holds upd until its announcement arrives. A newer update for the same
// (channel, direction) supersedes the held one, mirroring the store rule.
func (o *orphanSet) add(upd gossip.ChannelUpdate, now time.Time) {
	k := orphanKey{scid: upd.SCID, dir: upd.Direction}
	if cur, ok := o.entries[k]; ok {
		if upd.Policy.Timestamp <= cur.upd.Policy.Timestamp {
			return
		}
	} else if len(o.entries) >= o.limit {
		o.evictOldest()
	}
	o.entries[k] = orphanEntry{upd: upd, seen: now}
}

// take removes and returns all held updates for scid, ordered dir0 first.
func (o *orphanSet) take(scid gossip.ShortChannelID) []gossip.ChannelUpdate {
	var out []gossip.ChannelUpdate
	for _, dir := range [2]gossip.Direction{gossip.DirectionFirst, gossip.DirectionSecond} {
		k := orphanKey{scid: scid, dir: dir}
		if e, ok := o.entries[k]; ok {
			out = append(out, e.upd)
			delete(o.entries, k)
		}
	}
	return out
}

// evictExpired drops entries whose announcement never arrived within the
// retention window. Returns how many were dropped.
func (o *orphanSet) evictExpired(now time.Time) int {
	n := 0
	for k, e := range o.entries {
		if now.Sub(e.seen) > o.retention {
			delete(o.entries, k)
			n++
		}
	}
	return n
}

func (o *orphanSet) evictOldest() {
	var (
		oldest    orphanKey
		oldestAt  time.Time
		havePrior bool
	)
	for k, e := range o.entries {
		if !havePrior || e.seen.Before(oldestAt) {
			oldest, oldestAt, havePrior = k, e.seen, true
		}
	}
	if havePrior {
		delete(o.entries, oldest)
	}
}

func (o *orphanSet) len() int { return len(o.entries) }
