// Package decoder turns byte streams into decoded PUS packets.
package decoder

import (
	"errors"
	"fmt"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/core/param"
	"firestige.xyz/pusgate/internal/schema"
)

// Decoder decodes one framed packet.
type Decoder interface {
	Decode(raw []byte) (DecodedPacket, error)
}

// DecodedPacket is a header, its parameters and the frame they came from.
type DecodedPacket struct {
	Header  core.Header
	Payload []byte // between the header and the CRC field
	Fields  []param.Field
	Schema  string
	Raw     []byte
	Err     error // decode failure the packet is forwarded with, if any
}

// Field returns the first field named name.
func (p *DecodedPacket) Field(name string) (param.Field, bool) {
	for _, f := range p.Fields {
		if f.Name() == name {
			return f, true
		}
	}
	return param.Field{}, false
}

// Labels returns routing labels for publishers.
func (p *DecodedPacket) Labels() core.Labels {
	l := core.Labels{
		core.LabelKind:     p.Header.Kind.String(),
		core.LabelAPID:     fmt.Sprint(p.Header.APID),
		core.LabelSeqCount: fmt.Sprint(p.Header.SeqCount),
	}
	if p.Header.Kind != core.HeaderRaw {
		l[core.LabelServiceType] = fmt.Sprint(p.Header.ServiceType)
		l[core.LabelServiceSubtype] = fmt.Sprint(p.Header.ServiceSubtype)
	}
	if p.Schema != "" {
		l[core.LabelSchema] = p.Schema
	}
	if p.Err != nil {
		l[core.LabelDecodeError] = p.Err.Error()
	}
	return l
}

// PacketDecoder resolves TM layouts through a schema provider. TC and
// header-only packets are returned with their header and payload only.
type PacketDecoder struct {
	provider schema.Provider
}

func NewPacketDecoder(p schema.Provider) *PacketDecoder {
	return &PacketDecoder{provider: p}
}

// Decode decodes a complete frame including its CRC field. When the header
// decodes but the parameters do not, the returned packet carries the header
// and payload along with the error.
func (d *PacketDecoder) Decode(raw []byte) (DecodedPacket, error) {
	pkt := DecodedPacket{Raw: raw}
	h, err := header.Decode(raw)
	if err != nil {
		return pkt, err
	}
	pkt.Header = h

	end := len(raw) - core.CRCLen
	if end < h.Len() {
		return pkt, fmt.Errorf("%w: %d byte frame for a %d byte %s header",
			core.ErrTruncatedHeader, len(raw), h.Len(), h.Kind)
	}
	pkt.Payload = raw[h.Len():end]

	if h.Kind != core.HeaderTM || d.provider == nil {
		return pkt, nil
	}

	var disc uint64
	if loc, ok := d.provider.Discriminant(h.ServiceType, h.ServiceSubtype, h.APID); ok {
		v, err := param.ReadAt(pkt.Payload, loc.Offset, loc.Format)
		if err != nil {
			return pkt, fmt.Errorf("structure id: %w", err)
		}
		if disc, err = param.ToUint(v); err != nil {
			return pkt, fmt.Errorf("%w: structure id: %v", core.ErrSchemaInvalid, err)
		}
	}

	s, err := d.provider.LookupTM(h.ServiceType, h.ServiceSubtype, h.APID, disc)
	if err != nil {
		return pkt, err
	}
	pkt.Schema = s.Name

	fields, err := param.Decode(s, pkt.Payload)
	if err != nil {
		return pkt, fmt.Errorf("%s: %w", s.Name, err)
	}
	if err := param.Apply(fields, schema.Calibrations(d.provider)); err != nil {
		return pkt, fmt.Errorf("%s: %w", s.Name, err)
	}
	pkt.Fields = fields
	return pkt, nil
}

// HeaderOnly reports whether err left the packet with a usable header.
func HeaderOnly(err error) bool {
	return err != nil && !errors.Is(err, core.ErrTruncatedHeader)
}
