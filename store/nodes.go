package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hazyhaar/gossnap/gossip"
)

// UpsertNode applies a node announcement under the supersede rule: the row
// is written only when ann.Timestamp exceeds the stored announcement
// timestamp. Returns whether the write was applied. Stale or duplicate
// announcements return (false, nil).
func (s *Store) UpsertNode(ctx context.Context, ann gossip.NodeAnnouncement) (bool, error) {
	now := s.seenAt()
	// A nil slice binds as SQL NULL; the schema wants empty blobs.
	features, addresses := ann.Features, ann.Addresses
	if features == nil {
		features = []byte{}
	}
	if addresses == nil {
		addresses = []byte{}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (public_key, announced_at, features, addresses, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (public_key) DO UPDATE SET
			announced_at = excluded.announced_at,
			features     = excluded.features,
			addresses    = excluded.addresses,
			last_seen    = excluded.last_seen
		WHERE excluded.announced_at > nodes.announced_at`,
		ann.NodeID[:], ann.Timestamp, features, addresses, now, now)
	if err != nil {
		return false, fmt.Errorf("store: upsert node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert node: %w", err)
	}
	if n > 0 {
		s.bump()
	}
	return n > 0, nil
}

// NodesByID fetches the node records for the given identities, ordered by
// identity. Unknown identities are silently absent from the result; the
// snapshot calculator only asks for identities referenced by stored
// channels, which the ingestion pipeline guarantees exist.
func (s *Store) NodesByID(ctx context.Context, ids []gossip.NodeID) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i := range ids {
		args[i] = ids[i][:]
	}
	q := `SELECT public_key, announced_at, features, addresses FROM nodes
		WHERE public_key IN (?` + strings.Repeat(",?", len(ids)-1) + `)
		ORDER BY public_key`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: nodes by id: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		var (
			n   Node
			key []byte
		)
		if err := rows.Scan(&key, &n.Timestamp, &n.Features, &n.Addresses); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		id, err := gossip.NodeIDFromBytes(key)
		if err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		n.ID = id
		out = append(out, n)
	}
	return out, rows.Err()
}
