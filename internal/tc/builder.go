// Package tc builds telecommand packets from mnemonics and arguments.
package tc

import (
	"fmt"
	"math"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/core/param"
	"firestige.xyz/pusgate/internal/schema"
)

// PUSVersion is written into every TC data field header.
const PUSVersion = 1

// Options adjust a single Build call.
type Options struct {
	// Ack overrides the command's default acknowledgement flags (4 bits).
	Ack *uint8
	// NoValidate skips range checks and accepts arguments that are not a
	// known text alias.
	NoValidate bool
}

// Built is an encoded telecommand.
type Built struct {
	Mnemonic    string
	Bytes       []byte
	ServiceType uint8
	Subtype     uint8
	APID        uint16
	SeqCount    uint16
	Header      core.Header
}

// Config contains configuration for a Builder.
type Config struct {
	CRC           *crc.Checker // default CRC-16/CCITT-FALSE
	SourceID      uint8
	MaxPacketSize int // 0 = no limit
}

// Builder turns mnemonics into TC packets. It is safe for concurrent use;
// sequence counts come from the shared SequenceTable.
type Builder struct {
	provider schema.Provider
	seq      *SequenceTable
	cfg      Config
}

func NewBuilder(p schema.Provider, seq *SequenceTable, cfg Config) *Builder {
	if cfg.CRC == nil {
		cfg.CRC = crc.Default()
	}
	if seq == nil {
		seq = NewSequenceTable()
	}
	return &Builder{provider: p, seq: seq, cfg: cfg}
}

// Build encodes mnemonic with args. Arguments are given in schema order;
// for schemas with repeated groups the counter argument is followed by
// that many repetitions of the group's arguments.
func (b *Builder) Build(mnemonic string, args []any, opts Options) (Built, error) {
	def, err := b.provider.LookupTC(mnemonic)
	if err != nil {
		return Built{}, err
	}

	items, err := param.Expand(def.Schema, args, b.argument(opts))
	if err != nil {
		return Built{}, fmt.Errorf("%s: %w", def.Mnemonic, err)
	}
	payload, err := param.EncodeItems(items)
	if err != nil {
		return Built{}, fmt.Errorf("%s: %w", def.Mnemonic, err)
	}

	ack := def.Ack
	if opts.Ack != nil {
		ack = *opts.Ack & 0x0F
	}
	h := core.Header{
		Kind:            core.HeaderTC,
		Type:            core.TypeTC,
		SecondaryHeader: true,
		APID:            def.APID,
		SeqFlags:        3,
		Length:          header.LengthField(core.HeaderTC, len(payload)),
		PUSVersion:      PUSVersion,
		AckFlags:        ack,
		ServiceType:     def.ServiceType,
		ServiceSubtype:  def.Subtype,
		SourceID:        b.cfg.SourceID,
	}
	total := h.Len() + len(payload) + core.CRCLen
	if b.cfg.MaxPacketSize > 0 && total > b.cfg.MaxPacketSize {
		return Built{}, fmt.Errorf("%w: %s is %d bytes, limit %d", core.ErrPacketTooLarge, def.Mnemonic, total, b.cfg.MaxPacketSize)
	}
	// draw the count last so failed builds do not consume one
	h.SeqCount = b.seq.Next(def.APID)

	pkt := make([]byte, 0, total)
	pkt = append(pkt, header.Encode(h)...)
	pkt = append(pkt, payload...)
	pkt = b.cfg.CRC.Append(pkt)

	return Built{
		Mnemonic:    def.Mnemonic,
		Bytes:       pkt,
		ServiceType: def.ServiceType,
		Subtype:     def.Subtype,
		APID:        def.APID,
		SeqCount:    h.SeqCount,
		Header:      h,
	}, nil
}

// argument validates and converts one caller value: text alias, then range
// check in engineering units, then inverse curve.
func (b *Builder) argument(opts Options) param.Transform {
	return func(d *param.Descriptor, v any) (any, error) {
		var cal param.Calibration
		if d.Calibration != "" {
			c, err := b.provider.LookupCalibration(d.Calibration)
			if err != nil {
				return nil, err
			}
			cal = c
		}

		if text, ok := v.(string); ok {
			if table, isText := cal.(*param.TextTable); isText {
				raw, err := table.Lookup(text)
				if err == nil {
					return raw, nil
				}
				if !opts.NoValidate {
					return nil, err
				}
				return v, nil
			}
		}

		eng, numErr := param.ToFloat(v)
		if !opts.NoValidate && numErr == nil && len(d.Ranges) > 0 && !inRanges(eng, d.Ranges) {
			return nil, fmt.Errorf("%w: %v not in %s", core.ErrOutOfRange, eng, formatRanges(d.Ranges))
		}

		curve, isCurve := cal.(*param.Curve)
		if !isCurve || numErr != nil {
			return v, nil
		}
		raw, err := curve.Invert(eng)
		if err != nil {
			return nil, err
		}
		if t, err := d.Format().Resolve(); err == nil && integral(t.Kind) {
			return math.Round(raw), nil
		}
		return raw, nil
	}
}

func integral(k param.Kind) bool {
	switch k {
	case param.KindEnum, param.KindUnsigned, param.KindSigned, param.KindBitString:
		return true
	}
	return false
}

func inRanges(v float64, ranges []param.Range) bool {
	for _, r := range ranges {
		if v >= r.Min && v <= r.Max {
			return true
		}
	}
	return false
}

func formatRanges(ranges []param.Range) string {
	s := ""
	for i, r := range ranges {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("[%v,%v]", r.Min, r.Max)
	}
	return s
}
