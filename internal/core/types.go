// Package core defines core types with zero external dependencies.
package core

import "time"

// HeaderKind discriminates the three header layouts.
type HeaderKind uint8

const (
	// HeaderRaw is the bare 6-byte primary header ("P" header).
	HeaderRaw HeaderKind = iota
	// HeaderTM is the primary header plus the 10-byte TM data field header.
	HeaderTM
	// HeaderTC is the primary header plus the 4-byte TC data field header.
	HeaderTC
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderTM:
		return "tm"
	case HeaderTC:
		return "tc"
	default:
		return "raw"
	}
}

// Packet type flag values (bit 4 of byte 0).
const (
	TypeTM uint8 = 0
	TypeTC uint8 = 1
)

// Header sizes in octets.
const (
	PrimaryHeaderLen = 6
	TMSecHeaderLen   = 10
	TCSecHeaderLen   = 4
	TMHeaderLen      = PrimaryHeaderLen + TMSecHeaderLen
	TCHeaderLen      = PrimaryHeaderLen + TCSecHeaderLen
	CRCLen           = 2
)

// Header field limits.
const (
	MaxAPID     = 0x7FF
	IdleAPID    = 0x7FF
	SeqCountMod = 1 << 14
)

// CUCTime is a CCSDS unsegmented time code: whole seconds plus a binary
// fraction of FineBits bits.
type CUCTime struct {
	Coarse   uint32
	Fine     uint32
	FineBits uint8
	Sync     bool // TM header time only
}

// DefaultEpoch is the TAI-aligned mission epoch used when none is configured.
var DefaultEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Seconds returns the time as fractional seconds since the epoch.
func (t CUCTime) Seconds() float64 {
	s := float64(t.Coarse)
	if t.FineBits > 0 {
		s += float64(t.Fine) / float64(uint64(1)<<t.FineBits)
	}
	return s
}

// Time converts the CUC value to wall-clock time relative to epoch.
func (t CUCTime) Time(epoch time.Time) time.Time {
	ns := int64(t.Coarse) * int64(time.Second)
	if t.FineBits > 0 {
		ns += int64(uint64(t.Fine) * uint64(time.Second) >> t.FineBits)
	}
	return epoch.Add(time.Duration(ns))
}

// Header is a decoded PUS packet header (primary + optional data field header).
type Header struct {
	Kind HeaderKind

	// Primary header
	Version         uint8
	Type            uint8
	SecondaryHeader bool
	APID            uint16
	SeqFlags        uint8
	SeqCount        uint16
	Length          uint16 // total packet length - 7

	// Data field header (Kind TM or TC)
	PUSVersion     uint8
	AckFlags       uint8 // TC only, 4 bits
	ServiceType    uint8
	ServiceSubtype uint8
	SourceID       uint8 // TC source
	DestinationID  uint8 // TM destination
	Time           CUCTime
}

// Len returns the encoded size of the header in octets.
func (h Header) Len() int {
	switch h.Kind {
	case HeaderTM:
		return TMHeaderLen
	case HeaderTC:
		return TCHeaderLen
	default:
		return PrimaryHeaderLen
	}
}

// PacketLen returns the total packet length announced by the length field.
func (h Header) PacketLen() int {
	return int(h.Length) + 7
}
