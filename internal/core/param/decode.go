package param

import (
	"bytes"
	"fmt"
	"math"

	"firestige.xyz/pusgate/internal/core"
)

// Field is one decoded parameter occurrence.
type Field struct {
	Descriptor *Descriptor
	Type       Type
	Raw        any
	Calibrated any
}

// Name returns the parameter name.
func (f Field) Name() string {
	return f.Descriptor.Name
}

// Decode decodes payload according to schema. Spares are consumed but not
// returned. Running out of payload anywhere fails the whole decode with
// core.ErrBufferUnderrun; partial results are never returned.
func Decode(schema *Schema, payload []byte) ([]Field, error) {
	fields, _, err := decodeBlock(schema.Descriptors, payload, 0, discriminant{})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// decodeBlock decodes descs starting at bit position pos and returns the
// fields and the advanced position.
func decodeBlock(descs []Descriptor, data []byte, pos int, disc discriminant) ([]Field, int, error) {
	var fields []Field
	for i := 0; i < len(descs); i++ {
		d := &descs[i]
		if d.Offset != nil {
			pos = *d.Offset
		}

		if d.Role == RoleSpare {
			if pos+d.Width > len(data)*8 {
				return nil, pos, fmt.Errorf("spare %s: %w", d.Name, underrun(data, pos, d.Width))
			}
			pos += d.Width
			continue
		}

		t, err := d.resolve(disc)
		if err != nil {
			return nil, pos, err
		}
		v, next, err := readValue(data, pos, t)
		if err != nil {
			return nil, pos, fmt.Errorf("parameter %s: %w", d.Name, err)
		}
		pos = next
		fields = append(fields, Field{Descriptor: d, Type: t, Raw: v, Calibrated: v})

		if d.Discriminant {
			dv, err := toUint(v)
			if err != nil {
				return nil, pos, fmt.Errorf("%w: discriminant %s: %v", core.ErrSchemaInvalid, d.Name, err)
			}
			disc = discriminant{value: dv, set: true}
		}

		if d.GroupSize > 0 {
			end := i + 1 + d.GroupSize
			if end > len(descs) {
				return nil, pos, fmt.Errorf("%w: group of %s overruns schema", core.ErrSchemaInvalid, d.Name)
			}
			reps, err := toUint(v)
			if err != nil {
				return nil, pos, fmt.Errorf("%w: repetition counter %s: %v", core.ErrSchemaInvalid, d.Name, err)
			}
			group := descs[i+1 : end]
			for r := uint64(0); r < reps; r++ {
				gf, next, err := decodeBlock(group, data, pos, disc)
				if err != nil {
					return nil, pos, err
				}
				if next == pos {
					return nil, pos, fmt.Errorf("%w: group of %s consumes no bits", core.ErrSchemaInvalid, d.Name)
				}
				pos = next
				fields = append(fields, gf...)
			}
			i = end - 1
		}
	}
	return fields, pos, nil
}

// readValue decodes a single value of type t at pos.
func readValue(data []byte, pos int, t Type) (any, int, error) {
	switch t.Kind {
	case KindBool:
		v, next, err := readBits(data, pos, t.Bits)
		return v != 0, next, err
	case KindEnum, KindUnsigned, KindBitString:
		return readBits(data, pos, t.Bits)
	case KindSigned:
		v, next, err := readBits(data, pos, t.Bits)
		if err != nil {
			return nil, pos, err
		}
		return signExtend(v, t.Bits), next, nil
	case KindFloat:
		v, next, err := readBits(data, pos, t.Bits)
		if err != nil {
			return nil, pos, err
		}
		if t.Bits == 32 {
			return float64(math.Float32frombits(uint32(v))), next, nil
		}
		return math.Float64frombits(v), next, nil
	case KindOctetString, KindCharString:
		n := t.Bits / 8
		if t.Variable {
			l, next, err := readBits(data, pos, lengthPrefixBits)
			if err != nil {
				return nil, pos, err
			}
			n, pos = int(l), next
		}
		b, next, err := readBytes(data, pos, n)
		if err != nil {
			return nil, pos, err
		}
		if t.Kind == KindCharString {
			if !t.Variable {
				b = bytes.TrimRight(b, "\x00")
			}
			return string(b), next, nil
		}
		return b, next, nil
	case KindAbsTime, KindRelTime:
		coarse, next, err := readBits(data, pos, 8*t.Coarse)
		if err != nil {
			return nil, pos, err
		}
		fine, next, err := readBits(data, next, 8*t.Fine)
		if err != nil {
			return nil, pos, err
		}
		return core.CUCTime{Coarse: uint32(coarse), Fine: uint32(fine), FineBits: uint8(8 * t.Fine)}, next, nil
	}
	return nil, pos, fmt.Errorf("%w: %s", core.ErrUnsupportedType, t.Kind)
}

func signExtend(v uint64, bits int) int64 {
	if bits >= 64 {
		return int64(v)
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// ReadAt decodes a single value of format f at bit offset pos of payload.
func ReadAt(payload []byte, pos int, f Format) (any, error) {
	t, err := f.Resolve()
	if err != nil {
		return nil, err
	}
	v, _, err := readValue(payload, pos, t)
	return v, err
}

// ToUint converts an integer-valued field to uint64.
func ToUint(v any) (uint64, error) {
	return toUint(v)
}
