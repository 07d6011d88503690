package wire

import "encoding/binary"

// Encode serialises s into the version-1 layout. Pure: the output depends
// only on s's content and field order, never on computation history.
func Encode(s *Snapshot) []byte {
	buf := make([]byte, 0, encodedSize(s))

	buf = binary.BigEndian.AppendUint16(buf, Magic)
	buf = append(buf, Version1)
	buf = append(buf, s.Chain[:]...)

	var flags uint8
	if s.Baseline {
		flags |= 1
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Reference))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Nodes)))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		buf = append(buf, n.ID[:]...)
		buf = binary.BigEndian.AppendUint32(buf, n.Timestamp)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Features)))
		buf = append(buf, n.Features...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.Addresses)))
		buf = append(buf, n.Addresses...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Channels)))
	for i := range s.Channels {
		c := &s.Channels[i]
		buf = binary.BigEndian.AppendUint64(buf, uint64(c.SCID))
		buf = binary.BigEndian.AppendUint32(buf, c.Node1Index)
		buf = binary.BigEndian.AppendUint32(buf, c.Node2Index)
		buf = binary.BigEndian.AppendUint32(buf, c.Timestamp)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Updates)))
	for i := range s.Updates {
		u := &s.Updates[i]
		buf = binary.BigEndian.AppendUint64(buf, uint64(u.SCID))
		var df uint8
		if u.Direction == 1 {
			df |= dirFlagDirection
		}
		if u.Disabled {
			df |= dirFlagDisabled
		}
		buf = append(buf, df)
		buf = binary.BigEndian.AppendUint32(buf, u.Timestamp)
		buf = append(buf, uint8(u.Fields))
		if u.Fields.Has(FieldCLTVDelta) {
			buf = binary.BigEndian.AppendUint16(buf, u.CLTVExpiryDelta)
		}
		if u.Fields.Has(FieldHTLCMin) {
			buf = binary.BigEndian.AppendUint64(buf, u.HTLCMinimumMsat)
		}
		if u.Fields.Has(FieldFeeBase) {
			buf = binary.BigEndian.AppendUint32(buf, u.FeeBaseMsat)
		}
		if u.Fields.Has(FieldFeeProp) {
			buf = binary.BigEndian.AppendUint32(buf, u.FeeProportionalMillionths)
		}
		if u.Fields.Has(FieldHTLCMax) {
			buf = binary.BigEndian.AppendUint64(buf, u.HTLCMaximumMsat)
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Deletions)))
	for _, scid := range s.Deletions {
		buf = binary.BigEndian.AppendUint64(buf, uint64(scid))
	}

	return buf
}

func encodedSize(s *Snapshot) int {
	// Header + four table counts.
	n := 2 + 1 + 32 + 1 + 8 + 4*4
	for i := range s.Nodes {
		n += 33 + 4 + 2 + len(s.Nodes[i].Features) + 2 + len(s.Nodes[i].Addresses)
	}
	n += len(s.Channels) * (8 + 4 + 4 + 4)
	for i := range s.Updates {
		n += 8 + 1 + 4 + 1 + maskSize(s.Updates[i].Fields)
	}
	n += len(s.Deletions) * 8
	return n
}

func maskSize(m FieldMask) int {
	n := 0
	if m.Has(FieldCLTVDelta) {
		n += 2
	}
	if m.Has(FieldHTLCMin) {
		n += 8
	}
	if m.Has(FieldFeeBase) {
		n += 4
	}
	if m.Has(FieldFeeProp) {
		n += 4
	}
	if m.Has(FieldHTLCMax) {
		n += 8
	}
	return n
}
