package store

// Schema is the complete gossip store schema. Timestamps named *_at hold
// protocol seconds carried in the gossip itself; seen_at columns hold local
// wall-clock seconds and never participate in supersede decisions.
const Schema = `
-- Announced nodes. Never deleted: channels reference them and absence is
-- expressed through channel pruning.
CREATE TABLE IF NOT EXISTS nodes (
    public_key   BLOB PRIMARY KEY,
    announced_at INTEGER NOT NULL,
    features     BLOB NOT NULL DEFAULT x'',
    addresses    BLOB NOT NULL DEFAULT x'',
    first_seen   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_nodes_announced ON nodes(announced_at);

-- Announced channels. scid encodes (block height, tx index, output index).
-- The endpoint pair and chain are immutable once announced.
CREATE TABLE IF NOT EXISTS channels (
    scid         INTEGER PRIMARY KEY,
    chain        BLOB NOT NULL,
    node1        BLOB NOT NULL,
    node2        BLOB NOT NULL,
    announced_at INTEGER NOT NULL,
    first_seen   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_announced ON channels(announced_at);

-- Live per-direction policies: exactly one row per (scid, direction),
-- always the greatest-timestamp update seen.
CREATE TABLE IF NOT EXISTS channel_updates (
    scid        INTEGER NOT NULL REFERENCES channels(scid),
    direction   INTEGER NOT NULL CHECK (direction IN (0, 1)),
    timestamp   INTEGER NOT NULL,
    disabled    INTEGER NOT NULL DEFAULT 0,
    cltv_delta  INTEGER NOT NULL DEFAULT 0,
    htlc_min    INTEGER NOT NULL DEFAULT 0,
    htlc_max    INTEGER NOT NULL DEFAULT 0,
    fee_base    INTEGER NOT NULL DEFAULT 0,
    fee_prop    INTEGER NOT NULL DEFAULT 0,
    seen_at     INTEGER NOT NULL,
    PRIMARY KEY (scid, direction)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_updates_timestamp ON channel_updates(timestamp);

-- Every accepted update, retained within the staleness horizon so delta
-- snapshots can diff against the policy a client already knows.
CREATE TABLE IF NOT EXISTS update_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    scid        INTEGER NOT NULL,
    direction   INTEGER NOT NULL,
    timestamp   INTEGER NOT NULL,
    disabled    INTEGER NOT NULL DEFAULT 0,
    cltv_delta  INTEGER NOT NULL DEFAULT 0,
    htlc_min    INTEGER NOT NULL DEFAULT 0,
    htlc_max    INTEGER NOT NULL DEFAULT 0,
    fee_base    INTEGER NOT NULL DEFAULT 0,
    fee_prop    INTEGER NOT NULL DEFAULT 0,
    seen_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_key ON update_history(scid, direction, timestamp DESC);
`
