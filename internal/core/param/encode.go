package param

import (
	"fmt"
	"math"

	"firestige.xyz/pusgate/internal/core"
)

// Item is one parameter occurrence of an expanded schema, ready to encode.
type Item struct {
	Descriptor *Descriptor
	Type       Type // zero for spares
	Value      any  // normalized; nil for spares
	Supplied   bool // taken from the caller's argument list
	Index      int  // position in the caller's argument list, -1 if synthesized
}

// Transform rewrites a caller-supplied value before it is normalized, e.g.
// to apply alias tables or inverse calibration.
type Transform func(d *Descriptor, v any) (any, error)

// Expand walks schema and assigns values to its parameters in order.
// Spares and fixed parameters are synthesized; group counters take their
// repetition factor from the caller's value and the following block is
// expanded that many times. The number of values must match exactly.
func Expand(schema *Schema, values []any, transform Transform) ([]Item, error) {
	e := expander{values: values, transform: transform}
	if err := e.block(schema.Descriptors, discriminant{}); err != nil {
		return nil, err
	}
	if e.next != len(values) {
		return nil, fmt.Errorf("%w: schema %s takes %d arguments, got %d",
			core.ErrEncode, schema.Name, e.next, len(values))
	}
	return e.items, nil
}

// a counter this large cannot fit in a packet anyway.
const maxRepetitions = 1 << 16

type expander struct {
	values    []any
	next      int
	transform Transform
	items     []Item
}

func (e *expander) block(descs []Descriptor, disc discriminant) error {
	for i := 0; i < len(descs); i++ {
		d := &descs[i]
		if d.Role == RoleSpare {
			e.items = append(e.items, Item{Descriptor: d, Index: -1})
			continue
		}

		t, err := d.resolve(disc)
		if err != nil {
			return err
		}

		item := Item{Descriptor: d, Type: t, Index: -1}
		raw := d.Value
		if d.Role == RoleEditable {
			if e.next >= len(e.values) {
				return fmt.Errorf("%w: missing argument for parameter %s (have %d)", core.ErrEncode, d.Name, len(e.values))
			}
			raw = e.values[e.next]
			item.Supplied = true
			item.Index = e.next
			e.next++
			if e.transform != nil {
				if raw, err = e.transform(d, raw); err != nil {
					return fmt.Errorf("parameter %s: %w", d.Name, err)
				}
			}
		}
		v, err := normalize(raw, t)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", d.Name, err)
		}
		item.Value = v
		e.items = append(e.items, item)

		if d.Discriminant {
			dv, err := toUint(v)
			if err != nil {
				return fmt.Errorf("%w: discriminant %s: %v", core.ErrEncode, d.Name, err)
			}
			disc = discriminant{value: dv, set: true}
		}

		if d.GroupSize > 0 {
			end := i + 1 + d.GroupSize
			if end > len(descs) {
				return fmt.Errorf("%w: group of %s overruns schema", core.ErrSchemaInvalid, d.Name)
			}
			reps, err := toUint(v)
			if err != nil {
				return fmt.Errorf("%w: repetition counter %s: %v", core.ErrEncode, d.Name, err)
			}
			if reps > maxRepetitions {
				return fmt.Errorf("%w: repetition counter %s=%d", core.ErrEncode, d.Name, reps)
			}
			for r := uint64(0); r < reps; r++ {
				if err := e.block(descs[i+1:end], disc); err != nil {
					return err
				}
			}
			i = end - 1
		}
	}
	return nil
}

// Encode expands schema with values and packs the result.
func Encode(schema *Schema, values []any) ([]byte, error) {
	items, err := Expand(schema, values, nil)
	if err != nil {
		return nil, err
	}
	return EncodeItems(items)
}

// EncodeItems packs expanded items into octets. Absolute offsets reposition
// the writer; the result is padded with zero bits to a whole octet.
func EncodeItems(items []Item) ([]byte, error) {
	w := &bitWriter{}
	for _, it := range items {
		d := it.Descriptor
		if d.Offset != nil {
			w.seek(*d.Offset)
		}
		if d.Role == RoleSpare {
			w.skip(d.Width)
			continue
		}
		if err := writeValue(w, it.Type, it.Value); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", d.Name, err)
		}
	}
	return w.bytes(), nil
}

func writeValue(w *bitWriter, t Type, v any) error {
	switch t.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch(t, v)
		}
		var u uint64
		if b {
			u = 1
		}
		w.writeBits(u, t.Bits)
	case KindEnum, KindUnsigned, KindBitString:
		u, ok := v.(uint64)
		if !ok {
			return mismatch(t, v)
		}
		w.writeBits(u, t.Bits)
	case KindSigned:
		i, ok := v.(int64)
		if !ok {
			return mismatch(t, v)
		}
		w.writeBits(uint64(i), t.Bits)
	case KindFloat:
		f, ok := v.(float64)
		if !ok {
			return mismatch(t, v)
		}
		if t.Bits == 32 {
			w.writeBits(uint64(math.Float32bits(float32(f))), 32)
		} else {
			w.writeBits(math.Float64bits(f), 64)
		}
	case KindOctetString, KindCharString:
		var b []byte
		switch x := v.(type) {
		case []byte:
			b = x
		case string:
			b = []byte(x)
		default:
			return mismatch(t, v)
		}
		if t.Variable {
			w.writeBits(uint64(len(b)), lengthPrefixBits)
			w.writeBytes(b)
		} else {
			padded := make([]byte, t.Bits/8)
			copy(padded, b)
			w.writeBytes(padded)
		}
	case KindAbsTime, KindRelTime:
		ct, ok := v.(core.CUCTime)
		if !ok {
			return mismatch(t, v)
		}
		fine := uint64(ct.Fine)
		// rescale the fraction when the value was built for another width
		if want := uint8(8 * t.Fine); ct.FineBits != want {
			if ct.FineBits > want {
				fine >>= ct.FineBits - want
			} else {
				fine <<= want - ct.FineBits
			}
		}
		w.writeBits(uint64(ct.Coarse), 8*t.Coarse)
		w.writeBits(fine, 8*t.Fine)
	default:
		return fmt.Errorf("%w: %s", core.ErrUnsupportedType, t.Kind)
	}
	return nil
}

func mismatch(t Type, v any) error {
	return fmt.Errorf("%w: %T is not a %s value", core.ErrEncode, v, t.Kind)
}
