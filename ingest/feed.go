package ingest

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/hazyhaar/gossnap/gossip"
)

// FeedSource reads line-delimited JSON gossip from the upstream
// collaborator's feed. Each line is one envelope; signature and structural
// validation already happened upstream, so a malformed line here is a
// protocol error that ends the connection.
type FeedSource struct {
	rc    io.ReadCloser
	lines chan feedLine
}

type feedLine struct {
	msg gossip.Message
	err error
}

// DialFeed returns a Dial that connects to a TCP feed address.
func DialFeed(addr string) Dial {
	return func(ctx context.Context) (Source, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("ingest: dial feed %s: %w", addr, err)
		}
		return NewFeedSource(conn), nil
	}
}

// NewFeedSource wraps rc as a Source. It owns rc and closes it on Close.
func NewFeedSource(rc io.ReadCloser) *FeedSource {
	s := &FeedSource{
		rc:    rc,
		lines: make(chan feedLine, 64),
	}
	go s.read()
	return s
}

func (s *FeedSource) read() {
	defer close(s.lines)
	sc := bufio.NewScanner(s.rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeEnvelope(line)
		s.lines <- feedLine{msg: msg, err: err}
		if err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.lines <- feedLine{err: err}
		return
	}
	s.lines <- feedLine{err: io.EOF}
}

// Receive returns the next message, io.EOF at end of connection, or ctx's
// error on cancellation.
func (s *FeedSource) Receive(ctx context.Context) (gossip.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l, ok := <-s.lines:
		if !ok {
			return nil, io.EOF
		}
		return l.msg, l.err
	}
}

// Close closes the underlying connection, unblocking the reader.
func (s *FeedSource) Close() error { return s.rc.Close() }

type envelope struct {
	Type string `json:"type"`

	// node_announcement
	NodeID    string `json:"node_id,omitempty"`
	Features  string `json:"features,omitempty"`
	Addresses string `json:"addresses,omitempty"`

	// channel_announcement
	SCID  uint64 `json:"scid,omitempty"`
	Chain string `json:"chain,omitempty"`
	Node1 string `json:"node1,omitempty"`
	Node2 string `json:"node2,omitempty"`

	// channel_update
	Direction                 uint8  `json:"direction,omitempty"`
	Disabled                  bool   `json:"disabled,omitempty"`
	CLTVExpiryDelta           uint16 `json:"cltv_expiry_delta,omitempty"`
	HTLCMinimumMsat           uint64 `json:"htlc_minimum_msat,omitempty"`
	HTLCMaximumMsat           uint64 `json:"htlc_maximum_msat,omitempty"`
	FeeBaseMsat               uint32 `json:"fee_base_msat,omitempty"`
	FeeProportionalMillionths uint32 `json:"fee_proportional_millionths,omitempty"`

	Timestamp uint32 `json:"timestamp"`
}

func decodeEnvelope(line []byte) (gossip.Message, error) {
	var e envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("ingest: bad feed line: %w", err)
	}

	switch e.Type {
	case "node_announcement":
		id, err := hexNodeID(e.NodeID)
		if err != nil {
			return nil, err
		}
		features, err := hexField("features", e.Features)
		if err != nil {
			return nil, err
		}
		addresses, err := hexField("addresses", e.Addresses)
		if err != nil {
			return nil, err
		}
		return gossip.NodeAnnouncement{
			NodeID:    id,
			Timestamp: e.Timestamp,
			Features:  features,
			Addresses: addresses,
		}, nil

	case "channel_announcement":
		chain, err := hexChain(e.Chain)
		if err != nil {
			return nil, err
		}
		n1, err := hexNodeID(e.Node1)
		if err != nil {
			return nil, err
		}
		n2, err := hexNodeID(e.Node2)
		if err != nil {
			return nil, err
		}
		return gossip.ChannelAnnouncement{
			SCID:      gossip.ShortChannelID(e.SCID),
			Chain:     chain,
			Node1:     n1,
			Node2:     n2,
			Timestamp: e.Timestamp,
		}, nil

	case "channel_update":
		chain, err := hexChain(e.Chain)
		if err != nil {
			return nil, err
		}
		if e.Direction > 1 {
			return nil, fmt.Errorf("ingest: bad direction %d", e.Direction)
		}
		return gossip.ChannelUpdate{
			SCID:      gossip.ShortChannelID(e.SCID),
			Chain:     chain,
			Direction: gossip.Direction(e.Direction),
			Policy: gossip.ChannelPolicy{
				Timestamp:                 e.Timestamp,
				Disabled:                  e.Disabled,
				CLTVExpiryDelta:           e.CLTVExpiryDelta,
				HTLCMinimumMsat:           e.HTLCMinimumMsat,
				HTLCMaximumMsat:           e.HTLCMaximumMsat,
				FeeBaseMsat:               e.FeeBaseMsat,
				FeeProportionalMillionths: e.FeeProportionalMillionths,
			},
		}, nil
	}
	return nil, fmt.Errorf("ingest: unknown feed message type %q", e.Type)
}

func hexNodeID(s string) (gossip.NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return gossip.NodeID{}, fmt.Errorf("ingest: bad node id: %w", err)
	}
	return gossip.NodeIDFromBytes(b)
}

func hexChain(s string) (gossip.ChainHash, error) {
	var c gossip.ChainHash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(c) {
		return c, fmt.Errorf("ingest: bad chain hash %q", s)
	}
	copy(c[:], b)
	return c, nil
}

func hexField(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ingest: bad %s: %w", name, err)
	}
	return b, nil
}
