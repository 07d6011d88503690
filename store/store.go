// Package store is the durable gossip state: announced nodes, channels and
// per-direction forwarding policies, each under the supersede-by-timestamp
// rule. All mutation goes through the Upsert* methods, which are atomic per
// entity key and report whether the write was applied or superseded — a
// stale duplicate is a normal outcome under gossip flooding, never an error.
//
// The handle also carries the store generation: an in-memory counter bumped
// on every applied write. The snapshot cache keys on it to detect that a
// cached snapshot no longer reflects current state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"
)

// ErrUnknownChannel is returned by UpsertChannelUpdate when no announcement
// for the update's channel has been stored yet. The ingestion pipeline holds
// such updates as orphans rather than treating this as a failure.
var ErrUnknownChannel = errors.New("store: unknown channel")

// Store wraps the gossip database. Safe for concurrent use.
type Store struct {
	db         *sql.DB
	generation atomic.Uint64
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for seen_at columns. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init applies the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Generation returns the current store generation. It increments on every
// applied write and only ever moves forward.
func (s *Store) Generation() uint64 { return s.generation.Load() }

func (s *Store) bump() { s.generation.Add(1) }

// LatestTimestamp returns the greatest protocol timestamp across retained
// announcements and updates, or 0 for an empty store. A fresh client uses
// it as its first sync reference.
func (s *Store) LatestTimestamp(ctx context.Context) (uint32, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT max(t) FROM (
			SELECT max(announced_at) AS t FROM nodes
			UNION ALL SELECT max(announced_at) FROM channels
			UNION ALL SELECT max(timestamp) FROM channel_updates
		)`).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return uint32(ts.Int64), nil
}

func (s *Store) seenAt() int64 { return s.now().Unix() }
