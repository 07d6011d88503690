// Package gossip defines the value types exchanged between the ingestion
// pipeline, the store and the snapshot calculator: node and channel
// identities, per-direction forwarding policies, and the three gossip
// message kinds handed over by the upstream full node.
//
// Everything here is a plain value; validation of signatures and structural
// well-formedness happens upstream before a message reaches this package.
package gossip

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// NodeIDLen is the length of a compressed public key identifying a node.
const NodeIDLen = 33

// NodeID identifies a network participant by its compressed public key.
type NodeID [NodeIDLen]byte

// String returns the hex form used in logs.
func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// Less orders node identities byte-lexicographically. This is the fixed
// sort key for snapshot node tables.
func (id NodeID) Less(other NodeID) bool { return bytes.Compare(id[:], other[:]) < 0 }

// NodeIDFromBytes copies b into a NodeID. b must be exactly NodeIDLen bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("gossip: node id must be %d bytes, got %d", NodeIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ChainHash identifies the chain a channel was opened on (genesis block hash).
type ChainHash [32]byte

// String returns the hex form used in logs.
func (c ChainHash) String() string { return hex.EncodeToString(c[:]) }

// ShortChannelID encodes a channel's on-chain origin: block height in the
// most significant three bytes, transaction index in the next three, output
// index in the last two.
type ShortChannelID uint64

// NewShortChannelID packs the three on-chain coordinates.
func NewShortChannelID(blockHeight, txIndex uint32, outputIndex uint16) ShortChannelID {
	return ShortChannelID(uint64(blockHeight)<<40 | uint64(txIndex&0xffffff)<<16 | uint64(outputIndex))
}

// BlockHeight returns the channel's funding block height.
func (s ShortChannelID) BlockHeight() uint32 { return uint32(s >> 40) }

// TxIndex returns the funding transaction's index within its block.
func (s ShortChannelID) TxIndex() uint32 { return uint32(s>>16) & 0xffffff }

// OutputIndex returns the funding output's index within its transaction.
func (s ShortChannelID) OutputIndex() uint16 { return uint16(s) }

func (s ShortChannelID) String() string {
	return fmt.Sprintf("%dx%dx%d", s.BlockHeight(), s.TxIndex(), s.OutputIndex())
}

// Direction selects one of a channel's two forwarding policies.
// Direction 0 is the policy advertised by the lexicographically first
// endpoint, direction 1 by the second.
type Direction uint8

const (
	DirectionFirst  Direction = 0
	DirectionSecond Direction = 1
)

// ChannelPolicy is the forwarding policy one endpoint advertises for a
// channel. Timestamps are protocol seconds as carried in the gossip itself,
// never local wall-clock.
type ChannelPolicy struct {
	Timestamp                 uint32
	Disabled                  bool
	CLTVExpiryDelta           uint16
	HTLCMinimumMsat           uint64
	HTLCMaximumMsat           uint64
	FeeBaseMsat               uint32
	FeeProportionalMillionths uint32
}

// Kind discriminates the three gossip message types.
type Kind uint8

const (
	KindNodeAnnouncement Kind = iota
	KindChannelAnnouncement
	KindChannelUpdate
)

func (k Kind) String() string {
	switch k {
	case KindNodeAnnouncement:
		return "node_announcement"
	case KindChannelAnnouncement:
		return "channel_announcement"
	case KindChannelUpdate:
		return "channel_update"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one validated gossip message from the upstream source.
type Message interface {
	Kind() Kind
}

// NodeAnnouncement advertises a node's existence and metadata.
type NodeAnnouncement struct {
	NodeID    NodeID
	Timestamp uint32
	Features  []byte
	Addresses []byte
}

func (NodeAnnouncement) Kind() Kind { return KindNodeAnnouncement }

// ChannelAnnouncement advertises a new channel between two nodes.
// Node1 must sort byte-lexicographically before Node2; the upstream
// protocol guarantees this ordering and the store rejects violations.
type ChannelAnnouncement struct {
	SCID      ShortChannelID
	Chain     ChainHash
	Node1     NodeID
	Node2     NodeID
	Timestamp uint32
}

func (ChannelAnnouncement) Kind() Kind { return KindChannelAnnouncement }

// ChannelUpdate advertises one direction's current forwarding policy.
type ChannelUpdate struct {
	SCID      ShortChannelID
	Chain     ChainHash
	Direction Direction
	Policy    ChannelPolicy
}

func (ChannelUpdate) Kind() Kind { return KindChannelUpdate }
