// Package crc implements the packet error control field.
package crc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sigurn/crc16"

	"firestige.xyz/pusgate/internal/core"
)

// DefaultAlgorithm is the mission profile's error control algorithm.
const DefaultAlgorithm = "crc16-ccitt-false"

// Only non-reflected algorithms without a final XOR are listed: they leave a
// zero residue over a packet that carries its own CRC.
var algorithms = map[string]crc16.Params{
	"crc16-ccitt-false": crc16.CRC16_CCITT_FALSE,
	"crc16-xmodem":      crc16.CRC16_XMODEM,
	"crc16-aug-ccitt":   crc16.CRC16_AUG_CCITT,
	"crc16-t10-dif":     crc16.CRC16_T10_DIF,
}

// Algorithms returns the supported algorithm names.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	return names
}

// Checker computes and validates the trailing 2-byte CRC field.
// It is immutable and safe for concurrent use.
type Checker struct {
	name  string
	table *crc16.Table
}

// New returns a Checker for the named algorithm. An empty name selects
// DefaultAlgorithm.
func New(name string) (*Checker, error) {
	if name == "" {
		name = DefaultAlgorithm
	}
	params, ok := algorithms[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown crc algorithm %q", core.ErrConfigInvalid, name)
	}
	return &Checker{name: strings.ToLower(name), table: crc16.MakeTable(params)}, nil
}

// Default returns the CRC-16/CCITT-FALSE checker.
func Default() *Checker {
	c, _ := New(DefaultAlgorithm)
	return c
}

// Name returns the algorithm name.
func (c *Checker) Name() string {
	return c.name
}

// Checksum computes the CRC over data.
func (c *Checker) Checksum(data []byte) uint16 {
	return crc16.Checksum(data, c.table)
}

// Append computes the CRC over pkt and appends it big-endian.
func (c *Checker) Append(pkt []byte) []byte {
	return binary.BigEndian.AppendUint16(pkt, c.Checksum(pkt))
}

// Seal writes the CRC of pkt[:len(pkt)-2] into the last two bytes of pkt.
func (c *Checker) Seal(pkt []byte) {
	n := len(pkt) - core.CRCLen
	binary.BigEndian.PutUint16(pkt[n:], c.Checksum(pkt[:n]))
}

// Corrupt reports whether pkt, including its trailing CRC field, fails the
// check. A valid packet has a zero CRC residue over its full length.
func (c *Checker) Corrupt(pkt []byte) bool {
	if len(pkt) < core.CRCLen {
		return true
	}
	return c.Checksum(pkt) != 0
}

// Verify returns core.ErrCRCMismatch when pkt fails the check.
func (c *Checker) Verify(pkt []byte) error {
	if !c.Corrupt(pkt) {
		return nil
	}
	if len(pkt) < core.CRCLen {
		return fmt.Errorf("%w: %d bytes", core.ErrCRCMismatch, len(pkt))
	}
	n := len(pkt) - core.CRCLen
	return fmt.Errorf("%w: expected 0x%04X, got 0x%04X", core.ErrCRCMismatch,
		c.Checksum(pkt[:n]), binary.BigEndian.Uint16(pkt[n:]))
}
