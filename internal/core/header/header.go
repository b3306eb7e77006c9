// Package header implements the PUS primary and data field header codec.
//
// Layout (big-endian, MSB first):
//
//	byte 0:     version(3) type(1) sec-hdr-flag(1) apid[10:8](3)
//	byte 1:     apid[7:0]
//	bytes 2-3:  seq-flags(2) seq-count(14)
//	bytes 4-5:  packet length (total length - 7)
//
// TM data field header (bytes 6-15):
//
//	byte 6:     spare(1) pus-version(3) spare(4)
//	byte 7-9:   service type, subtype, destination id
//	bytes 10-13 coarse time
//	bytes 14-15 fine time(15) sync(1)
//
// TC data field header (bytes 6-9):
//
//	byte 6:     spare(1) pus-version(3) ack(4)
//	byte 7-9:   service type, subtype, source id
package header

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/pusgate/internal/core"
)

const (
	typeBit      = 0x10
	secHeaderBit = 0x08

	fineTimeBits = 15
)

// Encode packs h into its wire layout. The returned slice is 6, 16 or 10
// bytes long depending on h.Kind.
func Encode(h core.Header) []byte {
	buf := make([]byte, h.Len())
	Put(buf, h)
	return buf
}

// Put writes h into the first h.Len() bytes of buf. buf must be large enough.
func Put(buf []byte, h core.Header) {
	b0 := (h.Version & 0x07) << 5
	b0 |= (h.Type & 0x01) << 4
	if h.Kind != core.HeaderRaw {
		b0 |= secHeaderBit
	}
	b0 |= uint8(h.APID>>8) & 0x07
	buf[0] = b0
	buf[1] = uint8(h.APID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.SeqFlags&0x03)<<14|h.SeqCount&0x3FFF)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)

	switch h.Kind {
	case core.HeaderTM:
		buf[6] = (h.PUSVersion & 0x07) << 4
		buf[7] = h.ServiceType
		buf[8] = h.ServiceSubtype
		buf[9] = h.DestinationID
		binary.BigEndian.PutUint32(buf[10:14], h.Time.Coarse)
		fine := uint16(h.Time.Fine&0x7FFF) << 1
		if h.Time.Sync {
			fine |= 1
		}
		binary.BigEndian.PutUint16(buf[14:16], fine)
	case core.HeaderTC:
		buf[6] = (h.PUSVersion&0x07)<<4 | h.AckFlags&0x0F
		buf[7] = h.ServiceType
		buf[8] = h.ServiceSubtype
		buf[9] = h.SourceID
	}
}

// Decode unpacks the header at the start of data. It inspects the type and
// secondary header flags first and fails with core.ErrTruncatedHeader when
// data is shorter than the header they imply.
func Decode(data []byte) (core.Header, error) {
	if len(data) < core.PrimaryHeaderLen {
		return core.Header{}, fmt.Errorf("%w: %d bytes, need %d", core.ErrTruncatedHeader, len(data), core.PrimaryHeaderLen)
	}

	h := core.Header{
		Version:         data[0] >> 5,
		Type:            (data[0] & typeBit) >> 4,
		SecondaryHeader: data[0]&secHeaderBit != 0,
		APID:            uint16(data[0]&0x07)<<8 | uint16(data[1]),
	}
	seq := binary.BigEndian.Uint16(data[2:4])
	h.SeqFlags = uint8(seq >> 14)
	h.SeqCount = seq & 0x3FFF
	h.Length = binary.BigEndian.Uint16(data[4:6])

	if !h.SecondaryHeader {
		h.Kind = core.HeaderRaw
		return h, nil
	}

	if h.Type == core.TypeTC {
		h.Kind = core.HeaderTC
	} else {
		h.Kind = core.HeaderTM
	}
	if len(data) < h.Len() {
		return core.Header{}, fmt.Errorf("%w: %d bytes, %s header needs %d", core.ErrTruncatedHeader, len(data), h.Kind, h.Len())
	}

	switch h.Kind {
	case core.HeaderTM:
		h.PUSVersion = (data[6] >> 4) & 0x07
		h.ServiceType = data[7]
		h.ServiceSubtype = data[8]
		h.DestinationID = data[9]
		fine := binary.BigEndian.Uint16(data[14:16])
		h.Time = core.CUCTime{
			Coarse:   binary.BigEndian.Uint32(data[10:14]),
			Fine:     uint32(fine >> 1),
			FineBits: fineTimeBits,
			Sync:     fine&1 != 0,
		}
	case core.HeaderTC:
		h.PUSVersion = (data[6] >> 4) & 0x07
		h.AckFlags = data[6] & 0x0F
		h.ServiceType = data[7]
		h.ServiceSubtype = data[8]
		h.SourceID = data[9]
	}
	return h, nil
}

// LengthField returns the packet length field value for a payload of
// payloadLen octets carried behind a header of the given kind, including
// the trailing CRC.
func LengthField(kind core.HeaderKind, payloadLen int) uint16 {
	h := core.Header{Kind: kind}
	return uint16(h.Len() + payloadLen + core.CRCLen - core.PrimaryHeaderLen - 1)
}

// PeekLength returns the total packet length announced by the primary
// header at the start of data, or false when fewer than 6 bytes are present.
func PeekLength(data []byte) (int, bool) {
	if len(data) < core.PrimaryHeaderLen {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(data[4:6])) + 7, true
}
