package ingest

import (
	"testing"
	"time"

	"github.com/hazyhaar/gossnap/gossip"
)

func orphanUpdate(scid uint64, dir gossip.Direction, ts uint32) gossip.ChannelUpdate {
	return gossip.ChannelUpdate{
		SCID:      gossip.ShortChannelID(scid),
		Direction: dir,
		Policy:    gossip.ChannelPolicy{Timestamp: ts, FeeBaseMsat: ts},
	}
}

func TestOrphanSetSupersede(t *testing.T) {
	o := newOrphanSet(16, time.Hour)
	now := time.Unix(1000, 0)

	o.add(orphanUpdate(700, 0, 200), now)
	o.add(orphanUpdate(700, 0, 100), now)
	got := o.take(700)
	if len(got) != 1 || got[0].Policy.Timestamp != 200 {
		t.Fatalf("older update must not replace held one: %+v", got)
	}

	o.add(orphanUpdate(700, 0, 100), now)
	o.add(orphanUpdate(700, 0, 300), now)
	got = o.take(700)
	if len(got) != 1 || got[0].Policy.Timestamp != 300 {
		t.Fatalf("newer update must replace held one: %+v", got)
	}
}

func TestOrphanSetTakeBothDirections(t *testing.T) {
	o := newOrphanSet(16, time.Hour)
	now := time.Unix(1000, 0)

	o.add(orphanUpdate(700, 1, 100), now)
	o.add(orphanUpdate(700, 0, 100), now)
	o.add(orphanUpdate(800, 0, 100), now)

	got := o.take(700)
	if len(got) != 2 || got[0].Direction != gossip.DirectionFirst || got[1].Direction != gossip.DirectionSecond {
		t.Fatalf("take: %+v", got)
	}
	if o.len() != 1 {
		t.Fatalf("unrelated entry lost: len=%d", o.len())
	}
	if again := o.take(700); len(again) != 0 {
		t.Fatalf("take must drain: %+v", again)
	}
}

func TestOrphanSetCapEvictsOldest(t *testing.T) {
	o := newOrphanSet(2, time.Hour)

	o.add(orphanUpdate(700, 0, 100), time.Unix(1000, 0))
	o.add(orphanUpdate(800, 0, 100), time.Unix(2000, 0))
	o.add(orphanUpdate(900, 0, 100), time.Unix(3000, 0))

	if o.len() != 2 {
		t.Fatalf("len: %d", o.len())
	}
	if got := o.take(700); len(got) != 0 {
		t.Fatalf("oldest entry must have been evicted: %+v", got)
	}
	if got := o.take(900); len(got) != 1 {
		t.Fatal("newest entry must survive")
	}
}

func TestOrphanSetEvictExpired(t *testing.T) {
	o := newOrphanSet(16, 10*time.Minute)

	o.add(orphanUpdate(700, 0, 100), time.Unix(0, 0))
	o.add(orphanUpdate(800, 0, 100), time.Unix(500, 0))

	if n := o.evictExpired(time.Unix(700, 0)); n != 1 {
		t.Fatalf("evicted: got %d, want 1", n)
	}
	if got := o.take(800); len(got) != 1 {
		t.Fatal("entry within retention must survive")
	}
}
