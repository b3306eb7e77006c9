package param

import (
	"fmt"

	"firestige.xyz/pusgate/internal/core"
)

// Bit positions are absolute offsets into a payload, MSB of byte 0 first.
// Readers take a position and return the advanced one; no cursor state is
// shared between calls.

func underrun(data []byte, pos, n int) error {
	return fmt.Errorf("%w: need %d bits at bit %d, have %d", core.ErrBufferUnderrun, n, pos, len(data)*8)
}

// readBits reads n (≤64) bits at pos, most significant bit first.
func readBits(data []byte, pos, n int) (uint64, int, error) {
	if n < 0 || n > 64 {
		return 0, pos, fmt.Errorf("%w: %d-bit read", core.ErrUnsupportedType, n)
	}
	if pos < 0 || pos+n > len(data)*8 {
		return 0, pos, underrun(data, pos, n)
	}

	var v uint64
	for n > 0 {
		if pos%8 == 0 && n >= 8 {
			v = v<<8 | uint64(data[pos/8])
			pos += 8
			n -= 8
			continue
		}
		avail := 8 - pos%8
		take := avail
		if n < take {
			take = n
		}
		bits := uint64(data[pos/8]>>(avail-take)) & (1<<take - 1)
		v = v<<take | bits
		pos += take
		n -= take
	}
	return v, pos, nil
}

// readBytes reads n whole octets at pos, which need not be byte aligned.
func readBytes(data []byte, pos, n int) ([]byte, int, error) {
	if pos < 0 || pos+8*n > len(data)*8 {
		return nil, pos, underrun(data, pos, 8*n)
	}
	out := make([]byte, n)
	if pos%8 == 0 {
		copy(out, data[pos/8:pos/8+n])
		return out, pos + 8*n, nil
	}
	for i := range out {
		var b uint64
		b, pos, _ = readBits(data, pos, 8)
		out[i] = byte(b)
	}
	return out, pos, nil
}

// bitWriter accumulates a bit-packed buffer. Positions may move backwards or
// forwards for absolute offsets; untouched bits stay zero.
type bitWriter struct {
	buf []byte
	pos int
	end int
}

func (w *bitWriter) grow(bits int) {
	need := (bits + 7) / 8
	if need > len(w.buf) {
		w.buf = append(w.buf, make([]byte, need-len(w.buf))...)
	}
	if bits > w.end {
		w.end = bits
	}
}

func (w *bitWriter) seek(pos int) {
	w.grow(pos)
	w.pos = pos
}

// writeBits writes the low n bits of v at the current position.
func (w *bitWriter) writeBits(v uint64, n int) {
	w.grow(w.pos + n)
	if n < 64 {
		v &= 1<<n - 1
	}
	for n > 0 {
		avail := 8 - w.pos%8
		take := avail
		if n < take {
			take = n
		}
		bits := (v >> (n - take)) & (1<<take - 1)
		w.buf[w.pos/8] |= byte(bits << (avail - take))
		w.pos += take
		n -= take
	}
}

func (w *bitWriter) writeBytes(b []byte) {
	if w.pos%8 == 0 {
		w.grow(w.pos + 8*len(b))
		copy(w.buf[w.pos/8:], b)
		w.pos += 8 * len(b)
		return
	}
	for _, c := range b {
		w.writeBits(uint64(c), 8)
	}
}

// skip advances over n zero bits.
func (w *bitWriter) skip(n int) {
	w.seek(w.pos + n)
}

func (w *bitWriter) bytes() []byte {
	return w.buf[:(w.end+7)/8]
}
