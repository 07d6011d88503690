package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/gossnap/gossip"
)

// UpsertChannel applies a channel announcement. A channel's endpoint pair
// and chain are immutable: a conflicting announcement for an existing scid
// with different endpoints or chain is rejected as not-applied, never
// treated as a mutation. A re-announcement of the identical identity tuple
// refreshes the announcement timestamp under the supersede rule.
func (s *Store) UpsertChannel(ctx context.Context, ann gossip.ChannelAnnouncement) (bool, error) {
	if !ann.Node1.Less(ann.Node2) {
		// Protocol orders announcement endpoints; a violation means the
		// upstream validator let something malformed through. Drop it.
		return false, nil
	}
	now := s.seenAt()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: upsert channel: %w", err)
	}
	defer tx.Rollback()

	// Endpoints may not have announced themselves yet; placeholder rows
	// (announced_at 0) keep the node table referentially complete so the
	// snapshot node index can always resolve them. A later real
	// announcement supersedes the placeholder.
	for _, id := range [2]gossip.NodeID{ann.Node1, ann.Node2} {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO nodes (public_key, announced_at, first_seen, last_seen)
			VALUES (?, 0, ?, ?)`, id[:], now, now); err != nil {
			return false, fmt.Errorf("store: placeholder node: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO channels (scid, chain, node1, node2, announced_at, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scid) DO UPDATE SET
			announced_at = excluded.announced_at,
			last_seen    = excluded.last_seen
		WHERE excluded.announced_at > channels.announced_at
			AND excluded.chain = channels.chain
			AND excluded.node1 = channels.node1
			AND excluded.node2 = channels.node2`,
		uint64(ann.SCID), ann.Chain[:], ann.Node1[:], ann.Node2[:], ann.Timestamp, now, now)
	if err != nil {
		return false, fmt.Errorf("store: upsert channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert channel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: upsert channel: %w", err)
	}
	if n > 0 {
		s.bump()
	}
	return n > 0, nil
}

// HasChannel reports whether an announcement for scid is stored.
func (s *Store) HasChannel(ctx context.Context, scid gossip.ShortChannelID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM channels WHERE scid = ?`, uint64(scid)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has channel: %w", err)
	}
	return true, nil
}

func scanChannels(rows *sql.Rows) ([]Channel, error) {
	var out []Channel
	for rows.Next() {
		var (
			c             Channel
			scid          uint64
			chain, n1, n2 []byte
		)
		if err := rows.Scan(&scid, &chain, &n1, &n2, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		c.SCID = gossip.ShortChannelID(scid)
		copy(c.Chain[:], chain)
		id1, err := gossip.NodeIDFromBytes(n1)
		if err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		id2, err := gossip.NodeIDFromBytes(n2)
		if err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		c.Node1, c.Node2 = id1, id2
		out = append(out, c)
	}
	return out, rows.Err()
}
