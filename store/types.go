package store

import "github.com/hazyhaar/gossnap/gossip"

// Node is a retained node announcement.
type Node struct {
	ID        gossip.NodeID
	Timestamp uint32
	Features  []byte
	Addresses []byte
}

// Channel is a retained channel announcement.
type Channel struct {
	SCID      gossip.ShortChannelID
	Chain     gossip.ChainHash
	Node1     gossip.NodeID
	Node2     gossip.NodeID
	Timestamp uint32
}

// Update is a retained per-direction policy.
type Update struct {
	SCID      gossip.ShortChannelID
	Direction gossip.Direction
	Policy    gossip.ChannelPolicy
}

// ChangeSet is everything whose effective timestamp exceeds a reference,
// each slice ordered by entity identity so repeated queries reproduce.
type ChangeSet struct {
	Nodes    []Node
	Channels []Channel
	Updates  []Update
}

// LiveSet is the full non-pruned view used for baseline snapshots.
type LiveSet struct {
	Nodes    []Node
	Channels []Channel
	Updates  []Update
}
