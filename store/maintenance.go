package store

import (
	"context"
	"fmt"
)

// Maintenance deletes. Neither runs on the snapshot request path: "live vs
// prunable" is derived at query time from the shared horizon, so retained
// prunable rows are invisible to clients whether or not an operator ever
// calls these.

// DeletePrunedBefore physically removes channels (and their updates and
// history) whose every retained timestamp is older than cutoff. Returns the
// number of channels removed.
func (s *Store) DeletePrunedBefore(ctx context.Context, cutoff uint32) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: delete pruned: %w", err)
	}
	defer tx.Rollback()

	const dead = `SELECT scid FROM channels c WHERE NOT (` + liveCond + `)`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM channel_updates WHERE scid IN (`+dead+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("store: delete pruned updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM update_history WHERE scid IN (`+dead+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("store: delete pruned history: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM channels WHERE scid IN (`+dead+`)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete pruned channels: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// PruneHistory drops history rows older than cutoff, keeping the newest row
// per (scid, direction) so PolicyAt always has a floor to diff against.
func (s *Store) PruneHistory(ctx context.Context, cutoff uint32) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM update_history WHERE timestamp < ? AND id NOT IN (
			SELECT max(id) FROM update_history GROUP BY scid, direction
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune history: %w", err)
	}
	return res.RowsAffected()
}
