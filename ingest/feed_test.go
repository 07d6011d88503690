package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/hazyhaar/gossnap/gossip"
)

func hexID(b byte) string {
	id := testNodeID(b)
	return hex.EncodeToString(id[:])
}

func hexChainStr() string {
	c := testChain()
	return hex.EncodeToString(c[:])
}

func feedOf(t *testing.T, lines ...string) *FeedSource {
	t.Helper()
	r := strings.NewReader(strings.Join(lines, "\n") + "\n")
	return NewFeedSource(io.NopCloser(r))
}

func TestFeedSourceDecodesEnvelopes(t *testing.T) {
	src := feedOf(t,
		fmt.Sprintf(`{"type":"node_announcement","node_id":"%s","features":"80","timestamp":100}`, hexID(1)),
		fmt.Sprintf(`{"type":"channel_announcement","scid":700,"chain":"%s","node1":"%s","node2":"%s","timestamp":90}`,
			hexChainStr(), hexID(1), hexID(2)),
		fmt.Sprintf(`{"type":"channel_update","scid":700,"chain":"%s","direction":1,"disabled":true,"cltv_expiry_delta":40,"fee_base_msat":1000,"timestamp":110}`,
			hexChainStr()),
	)
	defer src.Close()
	ctx := context.Background()

	msg, err := src.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	na, ok := msg.(gossip.NodeAnnouncement)
	if !ok || na.NodeID != testNodeID(1) || na.Timestamp != 100 || len(na.Features) != 1 {
		t.Fatalf("node announcement: %+v", msg)
	}

	msg, err = src.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	ca, ok := msg.(gossip.ChannelAnnouncement)
	if !ok || ca.SCID != 700 || ca.Chain != testChain() || ca.Node2 != testNodeID(2) {
		t.Fatalf("channel announcement: %+v", msg)
	}

	msg, err = src.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	cu, ok := msg.(gossip.ChannelUpdate)
	if !ok || cu.Direction != gossip.DirectionSecond || !cu.Policy.Disabled ||
		cu.Policy.CLTVExpiryDelta != 40 || cu.Policy.FeeBaseMsat != 1000 {
		t.Fatalf("channel update: %+v", msg)
	}

	if _, err := src.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF at end of stream, got %v", err)
	}
}

func TestFeedSourceMalformedLineEndsConnection(t *testing.T) {
	src := feedOf(t, `{"type":`)
	defer src.Close()

	_, err := src.Receive(context.Background())
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("malformed line must surface a protocol error, got %v", err)
	}
}

func TestFeedSourceReceiveHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	src := NewFeedSource(pr)
	defer func() {
		src.Close()
		pw.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"unknown type", `{"type":"channel_close","scid":700}`},
		{"bad direction", fmt.Sprintf(`{"type":"channel_update","scid":700,"chain":"%s","direction":2,"timestamp":1}`, hexChainStr())},
		{"short node id", `{"type":"node_announcement","node_id":"0203","timestamp":1}`},
		{"bad chain", fmt.Sprintf(`{"type":"channel_announcement","scid":700,"chain":"ff","node1":"%s","node2":"%s","timestamp":1}`, hexID(1), hexID(2))},
		{"bad features hex", fmt.Sprintf(`{"type":"node_announcement","node_id":"%s","features":"zz","timestamp":1}`, hexID(1))},
	}
	for _, c := range cases {
		if _, err := decodeEnvelope([]byte(c.line)); err == nil {
			t.Errorf("%s: decode must fail", c.name)
		}
	}
}
