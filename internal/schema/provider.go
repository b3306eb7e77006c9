// Package schema resolves packet layouts and calibrations for the codec.
package schema

import (
	"firestige.xyz/pusgate/internal/core/param"
)

// AnyAPID in a TMKey or discriminant registration matches every APID.
const AnyAPID uint16 = 0xFFFF

// DefaultAck requests acceptance and completion reports.
const DefaultAck uint8 = 0x9

// TMKey identifies a telemetry packet layout.
type TMKey struct {
	ServiceType  uint8
	Subtype      uint8
	APID         uint16
	Discriminant uint64
}

// Locator describes where a packet's structure identifier sits in the
// payload. Offset is in bits from the start of the payload.
type Locator struct {
	Offset int
	Format param.Format
}

// TCSchema is a telecommand definition.
type TCSchema struct {
	Mnemonic    string
	ServiceType uint8
	Subtype     uint8
	APID        uint16
	Ack         uint8
	Schema      *param.Schema
}

// Provider is the read side of the parameter database.
type Provider interface {
	// LookupTM returns the layout for a telemetry packet. It fails with
	// core.ErrSchemaNotFound when no layout matches.
	LookupTM(st, sst uint8, apid uint16, disc uint64) (*param.Schema, error)
	// LookupTC returns a telecommand definition by mnemonic.
	LookupTC(mnemonic string) (*TCSchema, error)
	// LookupCalibration resolves a calibration reference.
	LookupCalibration(ref string) (param.Calibration, error)
	// Discriminant reports where the structure identifier of packets of
	// this kind is found, or false when the key carries none.
	Discriminant(st, sst uint8, apid uint16) (Locator, bool)
}

// Calibrations adapts a Provider to param.Apply.
func Calibrations(p Provider) param.Calibrations {
	return func(ref string) (param.Calibration, bool) {
		c, err := p.LookupCalibration(ref)
		return c, err == nil
	}
}
