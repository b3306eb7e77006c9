package decoder

import (
	"time"

	"firestige.xyz/pusgate/internal/core"
)

// FieldView is the JSON form of a decoded parameter.
type FieldView struct {
	Name       string `json:"name"`
	Raw        any    `json:"raw"`
	Calibrated any    `json:"eng,omitempty"`
}

// PacketView is the JSON form of a decoded packet shared by publishers and
// the command line.
type PacketView struct {
	Pool     string      `json:"pool,omitempty"`
	Kind     string      `json:"kind"`
	APID     uint16      `json:"apid"`
	SeqCount uint16      `json:"seq"`
	Service  uint8       `json:"service,omitempty"`
	Subtype  uint8       `json:"subtype,omitempty"`
	Time     float64     `json:"obt,omitempty"`
	UTC      time.Time   `json:"utc,omitzero"`
	Schema   string      `json:"schema,omitempty"`
	Fields   []FieldView `json:"fields,omitempty"`
	Error    string      `json:"error,omitempty"`
	Raw      []byte      `json:"raw"`
}

// View flattens p for serialization. A non-zero epoch adds the on-board
// time as UTC.
func (p *DecodedPacket) View(pool string, epoch time.Time) PacketView {
	h := p.Header
	v := PacketView{
		Pool:     pool,
		Kind:     h.Kind.String(),
		APID:     h.APID,
		SeqCount: h.SeqCount,
		Service:  h.ServiceType,
		Subtype:  h.ServiceSubtype,
		Schema:   p.Schema,
		Raw:      p.Raw,
	}
	if p.Err != nil {
		v.Error = p.Err.Error()
	}
	if h.Kind == core.HeaderTM {
		v.Time = h.Time.Seconds()
		if !epoch.IsZero() {
			v.UTC = h.Time.Time(epoch)
		}
	}
	for _, f := range p.Fields {
		v.Fields = append(v.Fields, FieldView{Name: f.Name(), Raw: f.Raw, Calibrated: f.Calibrated})
	}
	return v
}
