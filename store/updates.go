package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/gossnap/gossip"
)

// UpsertChannelUpdate applies a per-direction policy update under the
// supersede rule: only an update with a strictly greater timestamp than the
// stored row is applied. An accepted update is also appended to
// update_history so delta snapshots can later diff against the policy a
// client synced at an earlier reference.
//
// Returns ErrUnknownChannel when no announcement for upd.SCID exists; the
// ingestion pipeline holds such updates as orphans.
func (s *Store) UpsertChannelUpdate(ctx context.Context, upd gossip.ChannelUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: upsert update: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM channels WHERE scid = ?`, uint64(upd.SCID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, ErrUnknownChannel
	}
	if err != nil {
		return false, fmt.Errorf("store: upsert update: %w", err)
	}

	now := s.seenAt()
	p := upd.Policy
	res, err := tx.ExecContext(ctx, `
		INSERT INTO channel_updates
			(scid, direction, timestamp, disabled, cltv_delta, htlc_min, htlc_max, fee_base, fee_prop, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scid, direction) DO UPDATE SET
			timestamp  = excluded.timestamp,
			disabled   = excluded.disabled,
			cltv_delta = excluded.cltv_delta,
			htlc_min   = excluded.htlc_min,
			htlc_max   = excluded.htlc_max,
			fee_base   = excluded.fee_base,
			fee_prop   = excluded.fee_prop,
			seen_at    = excluded.seen_at
		WHERE excluded.timestamp > channel_updates.timestamp`,
		uint64(upd.SCID), upd.Direction, p.Timestamp, p.Disabled, p.CLTVExpiryDelta,
		p.HTLCMinimumMsat, p.HTLCMaximumMsat, p.FeeBaseMsat, p.FeeProportionalMillionths, now)
	if err != nil {
		return false, fmt.Errorf("store: upsert update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert update: %w", err)
	}
	if n == 0 {
		// Superseded. Nothing to record, nothing to invalidate.
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO update_history
			(scid, direction, timestamp, disabled, cltv_delta, htlc_min, htlc_max, fee_base, fee_prop, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(upd.SCID), upd.Direction, p.Timestamp, p.Disabled, p.CLTVExpiryDelta,
		p.HTLCMinimumMsat, p.HTLCMaximumMsat, p.FeeBaseMsat, p.FeeProportionalMillionths, now)
	if err != nil {
		return false, fmt.Errorf("store: append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: upsert update: %w", err)
	}
	s.bump()
	return true, nil
}

// PolicyAt returns the policy for (scid, direction) as it stood at the
// given reference timestamp: the newest accepted update with timestamp ≤
// ts. Returns nil when no such update is retained — the caller must then
// fall back to protocol defaults rather than guessing.
func (s *Store) PolicyAt(ctx context.Context, scid gossip.ShortChannelID, dir gossip.Direction, ts uint32) (*gossip.ChannelPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, disabled, cltv_delta, htlc_min, htlc_max, fee_base, fee_prop
		FROM update_history
		WHERE scid = ? AND direction = ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1`,
		uint64(scid), dir, ts)
	var p gossip.ChannelPolicy
	err := row.Scan(&p.Timestamp, &p.Disabled, &p.CLTVExpiryDelta,
		&p.HTLCMinimumMsat, &p.HTLCMaximumMsat, &p.FeeBaseMsat, &p.FeeProportionalMillionths)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: policy at: %w", err)
	}
	return &p, nil
}

func scanUpdates(rows *sql.Rows) ([]Update, error) {
	var out []Update
	for rows.Next() {
		var (
			u    Update
			scid uint64
		)
		p := &u.Policy
		if err := rows.Scan(&scid, &u.Direction, &p.Timestamp, &p.Disabled, &p.CLTVExpiryDelta,
			&p.HTLCMinimumMsat, &p.HTLCMaximumMsat, &p.FeeBaseMsat, &p.FeeProportionalMillionths); err != nil {
			return nil, fmt.Errorf("store: scan update: %w", err)
		}
		u.SCID = gossip.ShortChannelID(scid)
		out = append(out, u)
	}
	return out, rows.Err()
}
