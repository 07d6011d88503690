package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hazyhaar/gossnap/gossip"
)

const (
	channelCols = `scid, chain, node1, node2, announced_at`
	updateCols  = `scid, direction, timestamp, disabled, cltv_delta, htlc_min, htlc_max, fee_base, fee_prop`
)

// ChangedSince returns every entity whose effective timestamp strictly
// exceeds ts. Each slice is ordered by entity identity so two queries over
// the same state return identical results.
func (s *Store) ChangedSince(ctx context.Context, ts uint32) (*ChangeSet, error) {
	cs := &ChangeSet{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, announced_at, features, addresses FROM nodes
		WHERE announced_at > ? ORDER BY public_key`, ts)
	if err != nil {
		return nil, fmt.Errorf("store: changed nodes: %w", err)
	}
	cs.Nodes, err = scanNodes(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+channelCols+` FROM channels
		WHERE announced_at > ? ORDER BY scid`, ts)
	if err != nil {
		return nil, fmt.Errorf("store: changed channels: %w", err)
	}
	cs.Channels, err = scanChannels(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+updateCols+` FROM channel_updates
		WHERE timestamp > ? ORDER BY scid, direction`, ts)
	if err != nil {
		return nil, fmt.Errorf("store: changed updates: %w", err)
	}
	cs.Updates, err = scanUpdates(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	return cs, nil
}

// liveCond selects channels that are not prunable at the given cutoff: the
// greatest of the announcement timestamp and both directions' update
// timestamps is still at or past now − horizon. This is the single SQL
// definition of "live"; AllLive and PrunableSCIDs both derive from it so
// baselines and deletion tables can never disagree.
const liveCond = `
	max(c.announced_at,
		coalesce((SELECT max(timestamp) FROM channel_updates u WHERE u.scid = c.scid), 0)) >= ?`

// AllLive returns the full non-pruned view: every channel live at cutoff =
// now − horizon, its retained per-direction updates, and the minimal node
// set referenced by those channels. Slices are identity-ordered.
func (s *Store) AllLive(ctx context.Context, now uint32, horizon uint32) (*LiveSet, error) {
	cutoff := liveCutoff(now, horizon)
	ls := &LiveSet{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelCols+` FROM channels c
		WHERE `+liveCond+` ORDER BY scid`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: live channels: %w", err)
	}
	ls.Channels, err = scanChannels(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+updateCols+` FROM channel_updates
		WHERE scid IN (SELECT scid FROM channels c WHERE `+liveCond+`)
		ORDER BY scid, direction`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: live updates: %w", err)
	}
	ls.Updates, err = scanUpdates(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT public_key, announced_at, features, addresses FROM nodes
		WHERE public_key IN (
			SELECT node1 FROM channels c WHERE `+liveCond+`
			UNION SELECT node2 FROM channels c WHERE `+liveCond+`)
		ORDER BY public_key`, cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: live nodes: %w", err)
	}
	ls.Nodes, err = scanNodes(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	return ls, nil
}

// PrunableSCIDs returns the channels prunable at the given time: those
// whose every retained timestamp is older than now − horizon. Ordered by
// scid.
func (s *Store) PrunableSCIDs(ctx context.Context, now uint32, horizon uint32) ([]gossip.ShortChannelID, error) {
	cutoff := liveCutoff(now, horizon)
	rows, err := s.db.QueryContext(ctx, `
		SELECT scid FROM channels c
		WHERE NOT (`+liveCond+`) ORDER BY scid`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: prunable: %w", err)
	}
	defer rows.Close()
	return scanSCIDs(rows)
}

// PrunableSCIDsAt reconstructs the prunable set as it stood at a past
// reference, reading update_history instead of the live policy rows so an
// update arriving after the reference cannot rewrite what clients were
// served then. Ordered by scid.
func (s *Store) PrunableSCIDsAt(ctx context.Context, ref uint32, horizon uint32) ([]gossip.ShortChannelID, error) {
	cutoff := liveCutoff(ref, horizon)
	rows, err := s.db.QueryContext(ctx, `
		SELECT scid FROM channels c
		WHERE max(c.announced_at,
			coalesce((SELECT max(timestamp) FROM update_history h
				WHERE h.scid = c.scid AND h.timestamp <= ?), 0)) < ?
		ORDER BY scid`, ref, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: prunable at: %w", err)
	}
	defer rows.Close()
	return scanSCIDs(rows)
}

// ChannelsBySCID fetches the channel rows for the given ids, ordered by
// scid. Unknown ids are silently absent from the result.
func (s *Store) ChannelsBySCID(ctx context.Context, scids []gossip.ShortChannelID) ([]Channel, error) {
	if len(scids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelCols+` FROM channels
		WHERE scid IN (`+scidPlaceholders(len(scids))+`) ORDER BY scid`,
		scidArgs(scids)...)
	if err != nil {
		return nil, fmt.Errorf("store: channels by scid: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

// UpdatesBySCID fetches the live per-direction policies for the given
// channels, ordered by (scid, direction).
func (s *Store) UpdatesBySCID(ctx context.Context, scids []gossip.ShortChannelID) ([]Update, error) {
	if len(scids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+updateCols+` FROM channel_updates
		WHERE scid IN (`+scidPlaceholders(len(scids))+`) ORDER BY scid, direction`,
		scidArgs(scids)...)
	if err != nil {
		return nil, fmt.Errorf("store: updates by scid: %w", err)
	}
	defer rows.Close()
	return scanUpdates(rows)
}

// HistoryTimestamps returns every retained history timestamp per channel,
// ascending.
func (s *Store) HistoryTimestamps(ctx context.Context, scids []gossip.ShortChannelID) (map[gossip.ShortChannelID][]uint32, error) {
	if len(scids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT scid, timestamp FROM update_history
		WHERE scid IN (`+scidPlaceholders(len(scids))+`) ORDER BY scid, timestamp`,
		scidArgs(scids)...)
	if err != nil {
		return nil, fmt.Errorf("store: history timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[gossip.ShortChannelID][]uint32, len(scids))
	for rows.Next() {
		var (
			scid uint64
			ts   uint32
		)
		if err := rows.Scan(&scid, &ts); err != nil {
			return nil, fmt.Errorf("store: history timestamps: %w", err)
		}
		key := gossip.ShortChannelID(scid)
		out[key] = append(out[key], ts)
	}
	return out, rows.Err()
}

func scidPlaceholders(n int) string {
	return "?" + strings.Repeat(",?", n-1)
}

func scidArgs(scids []gossip.ShortChannelID) []any {
	args := make([]any, len(scids))
	for i, scid := range scids {
		args[i] = uint64(scid)
	}
	return args
}

func scanSCIDs(rows *sql.Rows) ([]gossip.ShortChannelID, error) {
	var out []gossip.ShortChannelID
	for rows.Next() {
		var scid uint64
		if err := rows.Scan(&scid); err != nil {
			return nil, fmt.Errorf("store: scan scid: %w", err)
		}
		out = append(out, gossip.ShortChannelID(scid))
	}
	return out, rows.Err()
}

// liveCutoff clamps now − horizon at zero so early timestamps never wrap.
func liveCutoff(now, horizon uint32) uint32 {
	if horizon >= now {
		return 0
	}
	return now - horizon
}
