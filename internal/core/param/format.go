// Package param implements the schema-driven parameter codec.
//
// A parameter's wire encoding is selected by its packet type code (PTC) and
// packet format code (PFC). Format.Resolve is the only place where the pair
// is interpreted; everything else works on the resolved Type.
package param

import (
	"fmt"

	"firestige.xyz/pusgate/internal/core"
)

// Kind is the closed set of parameter encodings.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindEnum
	KindUnsigned
	KindSigned
	KindFloat
	KindBitString
	KindOctetString
	KindCharString
	KindAbsTime
	KindRelTime
	KindDeduced
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindBool:        "bool",
	KindEnum:        "enum",
	KindUnsigned:    "uint",
	KindSigned:      "int",
	KindFloat:       "float",
	KindBitString:   "bits",
	KindOctetString: "octets",
	KindCharString:  "chars",
	KindAbsTime:     "abstime",
	KindRelTime:     "reltime",
	KindDeduced:     "deduced",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Variable-length strings carry a one-octet length prefix.
const lengthPrefixBits = 8

// Format is the (PTC, PFC) pair of a parameter.
type Format struct {
	PTC int `yaml:"ptc" json:"ptc"`
	PFC int `yaml:"pfc" json:"pfc"`
}

func (f Format) String() string {
	return fmt.Sprintf("%d/%d", f.PTC, f.PFC)
}

// Type is a resolved Format.
type Type struct {
	Kind     Kind
	Bits     int  // fixed width in bits; 0 when Variable
	Variable bool // length-prefixed octet or character string
	Coarse   int  // CUC coarse octets
	Fine     int  // CUC fine octets
}

// integer widths for PTC 3 and 4 indexed by PFC.
var integerBits = [...]int{4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 24, 32, 48, 64}

// Resolve maps the format codes onto a Type.
func (f Format) Resolve() (Type, error) {
	switch f.PTC {
	case 1:
		if f.PFC == 0 {
			return Type{Kind: KindBool, Bits: 1}, nil
		}
	case 2:
		if f.PFC >= 1 && f.PFC <= 64 {
			return Type{Kind: KindEnum, Bits: f.PFC}, nil
		}
	case 3:
		if f.PFC >= 0 && f.PFC < len(integerBits) {
			return Type{Kind: KindUnsigned, Bits: integerBits[f.PFC]}, nil
		}
	case 4:
		if f.PFC >= 0 && f.PFC < len(integerBits) {
			return Type{Kind: KindSigned, Bits: integerBits[f.PFC]}, nil
		}
	case 5:
		switch f.PFC {
		case 1:
			return Type{Kind: KindFloat, Bits: 32}, nil
		case 2:
			return Type{Kind: KindFloat, Bits: 64}, nil
		}
	case 6:
		if f.PFC >= 1 && f.PFC <= 64 {
			return Type{Kind: KindBitString, Bits: f.PFC}, nil
		}
	case 7:
		if f.PFC == 0 {
			return Type{Kind: KindOctetString, Variable: true}, nil
		}
		if f.PFC > 0 {
			return Type{Kind: KindOctetString, Bits: 8 * f.PFC}, nil
		}
	case 8:
		if f.PFC == 0 {
			return Type{Kind: KindCharString, Variable: true}, nil
		}
		if f.PFC > 0 {
			return Type{Kind: KindCharString, Bits: 8 * f.PFC}, nil
		}
	case 9, 10:
		// CUC: PFC 3..18 → coarse 1..4 octets, fine 0..3 octets
		if f.PFC >= 3 && f.PFC <= 18 {
			kind := KindAbsTime
			if f.PTC == 10 {
				kind = KindRelTime
			}
			coarse := (f.PFC-3)/4 + 1
			fine := (f.PFC - 3) % 4
			return Type{Kind: kind, Bits: 8 * (coarse + fine), Coarse: coarse, Fine: fine}, nil
		}
	case 11:
		if f.PFC == 0 {
			return Type{Kind: KindDeduced}, nil
		}
	}
	return Type{}, fmt.Errorf("%w: ptc=%d pfc=%d", core.ErrUnsupportedType, f.PTC, f.PFC)
}
