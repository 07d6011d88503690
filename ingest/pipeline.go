// Package ingest consumes validated gossip messages from an upstream source
// and applies them to the store under the supersede rules. One pipeline
// runs per upstream connection, processing messages sequentially; stale
// writes are dropped silently, out-of-order updates are held as orphans
// until their channel announcement arrives, and source failures are retried
// with exponential backoff across reconnects.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hazyhaar/gossnap/gossip"
	"github.com/hazyhaar/gossnap/store"
)

// Source is one connection's worth of gossip: a finite sequence ending in
// io.EOF, restartable by dialing again. Receive blocks until a message is
// available or ctx is done.
type Source interface {
	Receive(ctx context.Context) (gossip.Message, error)
	Close() error
}

// Dial opens a new Source. The pipeline calls it on startup and after every
// connection loss.
type Dial func(ctx context.Context) (Source, error)

// Options configures a Pipeline.
type Options struct {
	// OrphanRetention is how long an update may wait for its channel
	// announcement before being discarded. Default: 30m.
	OrphanRetention time.Duration
	// OrphanLimit caps the orphan holding set. Default: 8192.
	OrphanLimit int
	// StoreRetryWindow bounds in-place retries of a failed store write
	// before the message is dropped. Default: 30s.
	StoreRetryWindow time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.OrphanRetention <= 0 {
		o.OrphanRetention = 30 * time.Minute
	}
	if o.OrphanLimit <= 0 {
		o.OrphanLimit = 8192
	}
	if o.StoreRetryWindow <= 0 {
		o.StoreRetryWindow = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats counts pipeline outcomes. Read concurrently by the status endpoint.
type Stats struct {
	Applied   atomic.Uint64
	Stale     atomic.Uint64
	Orphaned  atomic.Uint64
	Discarded atomic.Uint64
}

// Pipeline applies one upstream connection's gossip to the store.
type Pipeline struct {
	store   *store.Store
	dial    Dial
	opts    Options
	orphans *orphanSet
	stats   Stats

	lastSweep time.Time
}

// New creates a Pipeline writing into st, receiving from sources opened by
// dial.
func New(st *store.Store, dial Dial, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{
		store:   st,
		dial:    dial,
		opts:    opts,
		orphans: newOrphanSet(opts.OrphanLimit, opts.OrphanRetention),
	}
}

// Stats exposes the pipeline's counters.
func (p *Pipeline) Stats() *Stats { return &p.stats }

// Run consumes messages until ctx is done. Connection loss and store
// unavailability are retried with exponential backoff; the backoff resets
// after any successful receive.
func (p *Pipeline) Run(ctx context.Context) error {
	bo := newBackOff()

	for {
		src, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.opts.Logger.Warn("ingest: dial failed", "error", err)
			if err := sleepBackoff(ctx, bo); err != nil {
				return err
			}
			continue
		}

		err = p.consume(ctx, src, bo)
		src.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			p.opts.Logger.Info("ingest: connection ended, reconnecting")
		} else if err != nil {
			p.opts.Logger.Warn("ingest: connection failed, reconnecting", "error", err)
		}
		if err := sleepBackoff(ctx, bo); err != nil {
			return err
		}
	}
}

func (p *Pipeline) consume(ctx context.Context, src Source, bo backoff.BackOff) error {
	for {
		msg, err := src.Receive(ctx)
		if err != nil {
			return err
		}
		bo.Reset()

		if err := p.apply(ctx, msg); err != nil {
			return err
		}
		p.sweep()
	}
}

// apply dispatches one message to the store, retrying transient failures in
// place — upserts are idempotent under the supersede rule, so a retried
// write can never double-apply. A write still failing after the retry
// window is dropped and counted, so one poisoned message cannot stall the
// connection.
func (p *Pipeline) apply(ctx context.Context, msg gossip.Message) error {
	op := func() error {
		err := p.dispatch(ctx, msg)
		if err != nil {
			p.opts.Logger.Warn("ingest: store write failed, retrying",
				"kind", msg.Kind().String(), "error", err)
		}
		return err
	}
	bo := newBackOff()
	bo.MaxElapsedTime = p.opts.StoreRetryWindow
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.stats.Discarded.Add(1)
	p.opts.Logger.Error("ingest: dropping message after repeated store failures",
		"kind", msg.Kind().String(), "error", err)
	return nil
}

// newBackOff builds the connection retry policy: exponential up to a
// minute, never giving up on its own (cancellation is the only way out).
func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	return bo
}

func (p *Pipeline) dispatch(ctx context.Context, msg gossip.Message) error {
	switch m := msg.(type) {
	case gossip.NodeAnnouncement:
		applied, err := p.store.UpsertNode(ctx, m)
		if err != nil {
			return err
		}
		p.count(applied)

	case gossip.ChannelAnnouncement:
		applied, err := p.store.UpsertChannel(ctx, m)
		if err != nil {
			return err
		}
		p.count(applied)
		if err := p.flushOrphans(ctx, m.SCID); err != nil {
			return err
		}

	case gossip.ChannelUpdate:
		applied, err := p.store.UpsertChannelUpdate(ctx, m)
		if errors.Is(err, store.ErrUnknownChannel) {
			p.orphans.add(m, time.Now())
			p.stats.Orphaned.Add(1)
			return nil
		}
		if err != nil {
			return err
		}
		p.count(applied)

	default:
		return fmt.Errorf("ingest: unknown message kind %v", msg.Kind())
	}
	return nil
}

// flushOrphans applies updates that were waiting for scid's announcement.
func (p *Pipeline) flushOrphans(ctx context.Context, scid gossip.ShortChannelID) error {
	for _, upd := range p.orphans.take(scid) {
		applied, err := p.store.UpsertChannelUpdate(ctx, upd)
		if err != nil {
			return err
		}
		p.count(applied)
	}
	return nil
}

func (p *Pipeline) count(applied bool) {
	if applied {
		p.stats.Applied.Add(1)
	} else {
		p.stats.Stale.Add(1)
	}
}

// sweep evicts expired orphans at most once a minute.
func (p *Pipeline) sweep() {
	now := time.Now()
	if now.Sub(p.lastSweep) < time.Minute {
		return
	}
	p.lastSweep = now
	if n := p.orphans.evictExpired(now); n > 0 {
		p.stats.Discarded.Add(uint64(n))
		p.opts.Logger.Debug("ingest: discarded orphan updates", "count", n, "held", p.orphans.len())
	}
}

func sleepBackoff(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
