// Package wire is the versioned binary codec for encoded snapshots. It is
// pure and stateless: Encode is a deterministic function of a Snapshot's
// logical content, so two computations over identical store state produce
// byte-identical output — the snapshot cache and the test suite both depend
// on that.
//
// Layout, version 1, all integers big-endian:
//
//	magic              uint16  0x475A
//	version            uint8
//	chain              [32]byte
//	flags              uint8   bit0 = full baseline
//	reference ts       uint64
//	node table         uint32 count; per node:
//	                     id [33]byte, timestamp uint32,
//	                     features  uint16 len + bytes,
//	                     addresses uint16 len + bytes
//	channel table      uint32 count; per channel:
//	                     scid uint64, node1 idx uint32, node2 idx uint32,
//	                     timestamp uint32
//	update table       uint32 count; per update:
//	                     scid uint64, dirflags uint8 (bit0 direction,
//	                     bit1 disabled), timestamp uint32,
//	                     field mask uint8, then only the masked fields in
//	                     mask order
//	deletion table     uint32 count; scid uint64 each
//
// Channel endpoint references are dense indices into the node table, whose
// ordering is fixed (node identity, byte-lexicographic) by the calculator.
// Decoders reject unknown versions outright; there is no best-effort path.
package wire

import (
	"errors"

	"github.com/hazyhaar/gossnap/gossip"
)

const (
	// Magic prefixes every encoded snapshot.
	Magic uint16 = 0x475A

	// Version1 is the only layout this codec speaks.
	Version1 uint8 = 1
)

var (
	// ErrBadMagic means the input is not an encoded snapshot at all.
	ErrBadMagic = errors.New("wire: bad magic")

	// ErrUnknownVersion means the input declares a version this decoder
	// does not speak. Callers must not fall back to guessing the layout.
	ErrUnknownVersion = errors.New("wire: unknown snapshot version")

	// ErrTruncated means the input ended before its declared content.
	ErrTruncated = errors.New("wire: truncated snapshot")
)

// FieldMask flags which policy fields an update record carries. Fields not
// present keep the value the client already knows (delta) or the protocol
// default of zero (baseline, where the calculator always sets FieldAll).
type FieldMask uint8

const (
	FieldCLTVDelta FieldMask = 1 << iota
	FieldHTLCMin
	FieldFeeBase
	FieldFeeProp
	FieldHTLCMax

	// FieldAll marks every policy field present.
	FieldAll = FieldCLTVDelta | FieldHTLCMin | FieldFeeBase | FieldFeeProp | FieldHTLCMax
)

// Has reports whether f is set in m.
func (m FieldMask) Has(f FieldMask) bool { return m&f != 0 }

const (
	dirFlagDirection uint8 = 1 << 0
	dirFlagDisabled  uint8 = 1 << 1
)

// Node is one node-table record.
type Node struct {
	ID        gossip.NodeID
	Timestamp uint32
	Features  []byte
	Addresses []byte
}

// Channel is one channel-announcement record. Node1Index and Node2Index
// point into the snapshot's node table.
type Channel struct {
	SCID       gossip.ShortChannelID
	Node1Index uint32
	Node2Index uint32
	Timestamp  uint32
}

// Update is one channel-update record. Only fields flagged in Fields are
// meaningful; the rest are zero after decode.
type Update struct {
	SCID      gossip.ShortChannelID
	Direction gossip.Direction
	Disabled  bool
	Timestamp uint32
	Fields    FieldMask

	CLTVExpiryDelta           uint16
	HTLCMinimumMsat           uint64
	HTLCMaximumMsat           uint64
	FeeBaseMsat               uint32
	FeeProportionalMillionths uint32
}

// Snapshot is the in-memory form of one encoded snapshot. The calculator
// produces it with all tables identity-ordered; Encode preserves order.
type Snapshot struct {
	Chain     gossip.ChainHash
	Baseline  bool
	Reference uint32

	Nodes     []Node
	Channels  []Channel
	Updates   []Update
	Deletions []gossip.ShortChannelID
}
