package decoder

import (
	"fmt"
	"io"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/header"
)

// Framing limits.
const (
	DefaultMaxPacketSize = 4096
	// MinPacketSize is a primary header plus the error control field.
	MinPacketSize = core.PrimaryHeaderLen + core.CRCLen
)

// FramerState is the framer's position in the byte stream.
type FramerState uint8

const (
	// AwaitingLength: fewer than 6 bytes are buffered.
	AwaitingLength FramerState = iota
	// AwaitingBody: a plausible header is buffered, the rest has not arrived.
	AwaitingBody
	// Resyncing: the framer has slipped at least one byte since the last
	// valid frame.
	Resyncing
)

func (s FramerState) String() string {
	switch s {
	case AwaitingLength:
		return "awaiting_length"
	case AwaitingBody:
		return "awaiting_body"
	case Resyncing:
		return "resyncing"
	}
	return fmt.Sprintf("state(%d)", s)
}

// FramerConfig contains configuration for a Framer.
type FramerConfig struct {
	MaxPacketSize int          // default 4096
	CRC           *crc.Checker // default CRC-16/CCITT-FALSE
}

// FramerStats are cumulative framer counters.
type FramerStats struct {
	Frames       uint64 // valid frames emitted
	TrashBytes   uint64 // bytes slipped during resynchronization
	CRCErrors    uint64 // candidates rejected by the CRC
	LengthErrors uint64 // candidates rejected by the length field
	Resyncs      uint64 // transitions into Resyncing
}

// Framer carves length-prefixed, CRC-protected packets out of a byte
// stream. A candidate whose length field is implausible or whose CRC fails
// costs exactly one slipped byte. A Framer is owned by one goroutine.
type Framer struct {
	cfg   FramerConfig
	buf   []byte
	start int
	state FramerState
	stats FramerStats

	// OnResync, if set, is called for every slipped byte with the reason.
	OnResync func(reason error)
}

// NewFramer creates a framer.
func NewFramer(cfg FramerConfig) *Framer {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.MaxPacketSize < MinPacketSize {
		cfg.MaxPacketSize = MinPacketSize
	}
	if cfg.CRC == nil {
		cfg.CRC = crc.Default()
	}
	return &Framer{cfg: cfg}
}

// Write appends stream bytes. It never fails.
func (f *Framer) Write(p []byte) (int, error) {
	if f.start > 0 && f.start >= len(f.buf)/2 {
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Next returns the next valid packet, or false when more bytes are needed.
// The returned slice is a copy owned by the caller.
func (f *Framer) Next() ([]byte, bool) {
	for {
		data := f.buf[f.start:]
		total, ok := header.PeekLength(data)
		if !ok {
			if f.state != Resyncing {
				f.state = AwaitingLength
			}
			return nil, false
		}
		if total > f.cfg.MaxPacketSize || total < MinPacketSize {
			f.stats.LengthErrors++
			f.slip(fmt.Errorf("%w: announced %d bytes, limit %d", core.ErrPacketTooLarge, total, f.cfg.MaxPacketSize))
			continue
		}
		if len(data) < total {
			if f.state != Resyncing {
				f.state = AwaitingBody
			}
			return nil, false
		}
		pkt := data[:total]
		if err := f.cfg.CRC.Verify(pkt); err != nil {
			f.stats.CRCErrors++
			f.slip(err)
			continue
		}
		out := make([]byte, total)
		copy(out, pkt)
		f.start += total
		f.stats.Frames++
		f.state = AwaitingLength
		return out, true
	}
}

// Feed writes p and calls emit for every packet it completes.
func (f *Framer) Feed(p []byte, emit func(pkt []byte)) {
	f.Write(p)
	for {
		pkt, ok := f.Next()
		if !ok {
			return
		}
		emit(pkt)
	}
}

// Flush is called at end of stream. A candidate still waiting for its body
// never completes, so it is slipped and the remainder rescanned; packets
// hidden behind it are emitted. The buffer is empty afterwards.
func (f *Framer) Flush(emit func(pkt []byte)) {
	for f.Buffered() > 0 {
		if pkt, ok := f.Next(); ok {
			emit(pkt)
			continue
		}
		if f.Buffered() > 0 {
			f.slip(io.ErrUnexpectedEOF)
		}
	}
	f.Reset()
}

func (f *Framer) slip(reason error) {
	if f.state != Resyncing {
		f.stats.Resyncs++
		f.state = Resyncing
	}
	f.start++
	f.stats.TrashBytes++
	if f.OnResync != nil {
		f.OnResync(reason)
	}
}

// Reset discards buffered bytes. Counters are kept.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.start = 0
	f.state = AwaitingLength
}

// State returns the current framer state.
func (f *Framer) State() FramerState { return f.state }

// Stats returns a snapshot of the counters.
func (f *Framer) Stats() FramerStats { return f.stats }

// Buffered returns the number of bytes held back for the next packet.
func (f *Framer) Buffered() int { return len(f.buf) - f.start }
