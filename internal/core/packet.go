// Package core defines core data structures with zero external dependencies.
package core

import "time"

// RawPacket is one complete frame carved out of a byte stream by the framer.
type RawPacket struct {
	Data      []byte    // Full packet including header and CRC, owned by the receiver
	Timestamp time.Time // Reception time
	Pool      string    // Pool the frame arrived on
}

// Record is what the storage sink persists for a single packet.
type Record struct {
	Pool      string
	Index     uint64
	Header    Header
	Raw       []byte
	Truncated bool
	Received  time.Time
}
