package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hazyhaar/gossnap/gossip"
)

// Decode parses an encoded snapshot. It either returns a complete Snapshot
// or an error — never a partial decode. Unknown versions are rejected with
// ErrUnknownVersion.
func Decode(data []byte) (*Snapshot, error) {
	r := reader{buf: data}

	magic, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	version, err := r.uint8()
	if err != nil {
		return nil, err
	}
	if version != Version1 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	s := &Snapshot{}
	chain, err := r.bytes(32)
	if err != nil {
		return nil, err
	}
	copy(s.Chain[:], chain)

	flags, err := r.uint8()
	if err != nil {
		return nil, err
	}
	s.Baseline = flags&1 != 0

	ref, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if ref > math.MaxUint32 {
		return nil, fmt.Errorf("wire: reference %d exceeds 32 bits", ref)
	}
	s.Reference = uint32(ref)

	nodeCount, err := r.uint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nodeCount; i++ {
		var n Node
		id, err := r.bytes(gossip.NodeIDLen)
		if err != nil {
			return nil, err
		}
		copy(n.ID[:], id)
		if n.Timestamp, err = r.uint32(); err != nil {
			return nil, err
		}
		if n.Features, err = r.lenBytes(); err != nil {
			return nil, err
		}
		if n.Addresses, err = r.lenBytes(); err != nil {
			return nil, err
		}
		s.Nodes = append(s.Nodes, n)
	}

	chanCount, err := r.uint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < chanCount; i++ {
		var c Channel
		scid, err := r.uint64()
		if err != nil {
			return nil, err
		}
		c.SCID = gossip.ShortChannelID(scid)
		if c.Node1Index, err = r.uint32(); err != nil {
			return nil, err
		}
		if c.Node2Index, err = r.uint32(); err != nil {
			return nil, err
		}
		if c.Timestamp, err = r.uint32(); err != nil {
			return nil, err
		}
		if c.Node1Index >= nodeCount || c.Node2Index >= nodeCount {
			return nil, fmt.Errorf("wire: channel %s: node index out of range", c.SCID)
		}
		s.Channels = append(s.Channels, c)
	}

	updCount, err := r.uint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < updCount; i++ {
		var u Update
		scid, err := r.uint64()
		if err != nil {
			return nil, err
		}
		u.SCID = gossip.ShortChannelID(scid)
		df, err := r.uint8()
		if err != nil {
			return nil, err
		}
		if df&dirFlagDirection != 0 {
			u.Direction = gossip.DirectionSecond
		}
		u.Disabled = df&dirFlagDisabled != 0
		if u.Timestamp, err = r.uint32(); err != nil {
			return nil, err
		}
		mask, err := r.uint8()
		if err != nil {
			return nil, err
		}
		u.Fields = FieldMask(mask)
		if u.Fields.Has(FieldCLTVDelta) {
			if u.CLTVExpiryDelta, err = r.uint16(); err != nil {
				return nil, err
			}
		}
		if u.Fields.Has(FieldHTLCMin) {
			if u.HTLCMinimumMsat, err = r.uint64(); err != nil {
				return nil, err
			}
		}
		if u.Fields.Has(FieldFeeBase) {
			if u.FeeBaseMsat, err = r.uint32(); err != nil {
				return nil, err
			}
		}
		if u.Fields.Has(FieldFeeProp) {
			if u.FeeProportionalMillionths, err = r.uint32(); err != nil {
				return nil, err
			}
		}
		if u.Fields.Has(FieldHTLCMax) {
			if u.HTLCMaximumMsat, err = r.uint64(); err != nil {
				return nil, err
			}
		}
		s.Updates = append(s.Updates, u)
	}

	delCount, err := r.uint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < delCount; i++ {
		scid, err := r.uint64()
		if err != nil {
			return nil, err
		}
		s.Deletions = append(s.Deletions, gossip.ShortChannelID(scid))
	}

	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("wire: %d trailing bytes after snapshot", len(r.buf)-r.pos)
	}
	return s, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) lenBytes() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}
