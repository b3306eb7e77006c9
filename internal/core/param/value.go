package param

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"firestige.xyz/pusgate/internal/core"
)

// Values are carried as plain Go types:
//
//	bool            KindBool
//	uint64          KindEnum, KindUnsigned, KindBitString
//	int64           KindSigned
//	float64         KindFloat
//	[]byte          KindOctetString
//	string          KindCharString
//	core.CUCTime    KindAbsTime, KindRelTime
//
// The coercions below accept the looser types callers commonly hold
// (int, numeric strings from a command line, ...) on the encode path.

func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case int:
		return intToUint(int64(x))
	case int8:
		return intToUint(int64(x))
	case int16:
		return intToUint(int64(x))
	case int32:
		return intToUint(int64(x))
	case int64:
		return intToUint(x)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case float64:
		if x < 0 || x != math.Trunc(x) || x > math.MaxUint64 {
			return 0, fmt.Errorf("%v is not an unsigned integer", x)
		}
		return uint64(x), nil
	case float32:
		return toUint(float64(x))
	case string:
		u, err := strconv.ParseUint(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an unsigned integer", x)
		}
		return u, nil
	}
	return 0, fmt.Errorf("cannot use %T as unsigned integer", v)
}

func intToUint(x int64) (uint64, error) {
	if x < 0 {
		return 0, fmt.Errorf("%d is negative", x)
	}
	return uint64(x), nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8, uint16, uint32, uint, uint64:
		u, _ := toUint(x)
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", u)
		}
		return int64(u), nil
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case float32:
		return toInt(float64(x))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", x)
		}
		return i, nil
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

// ToFloat converts a numeric value to float64.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	case int, int8, int16, int32, int64:
		i, _ := toInt(x)
		return float64(i), nil
	case uint, uint8, uint16, uint32, uint64:
		u, _ := toUint(x)
		return float64(u), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot use %T as number", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err == nil {
			return b, nil
		}
	}
	u, err := toUint(v)
	if err != nil || u > 1 {
		return false, fmt.Errorf("cannot use %v as boolean", v)
	}
	return u == 1, nil
}

// toBytes accepts []byte, or a string that is taken literally unless it
// carries a 0x prefix, in which case it is hex decoded.
func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		if strings.HasPrefix(x, "0x") || strings.HasPrefix(x, "0X") {
			b, err := hex.DecodeString(x[2:])
			if err != nil {
				return nil, fmt.Errorf("%q is not hex: %v", x, err)
			}
			return b, nil
		}
		return []byte(x), nil
	}
	return nil, fmt.Errorf("cannot use %T as octet string", v)
}

func toTime(v any, t Type) (core.CUCTime, error) {
	switch x := v.(type) {
	case core.CUCTime:
		return x, nil
	case float64, float32, string:
		f, err := ToFloat(x)
		if err != nil {
			return core.CUCTime{}, err
		}
		if f < 0 {
			return core.CUCTime{}, fmt.Errorf("negative time %v", f)
		}
		coarse, frac := math.Modf(f)
		fineBits := 8 * t.Fine
		return core.CUCTime{
			Coarse:   uint32(coarse),
			Fine:     uint32(frac * float64(uint64(1)<<fineBits)),
			FineBits: uint8(fineBits),
		}, nil
	}
	u, err := toUint(v)
	if err != nil {
		return core.CUCTime{}, err
	}
	return core.CUCTime{Coarse: uint32(u), FineBits: uint8(8 * t.Fine)}, nil
}

// normalize converts v to the canonical Go type for t.
func normalize(v any, t Type) (any, error) {
	var (
		out any
		err error
	)
	switch t.Kind {
	case KindBool:
		out, err = toBool(v)
	case KindEnum, KindUnsigned, KindBitString:
		var u uint64
		u, err = toUint(v)
		if err == nil && t.Bits < 64 && u>>t.Bits != 0 {
			err = fmt.Errorf("%d does not fit in %d bits", u, t.Bits)
		}
		out = u
	case KindSigned:
		var i int64
		i, err = toInt(v)
		if err == nil && t.Bits < 64 {
			lim := int64(1) << (t.Bits - 1)
			if i < -lim || i >= lim {
				err = fmt.Errorf("%d does not fit in %d signed bits", i, t.Bits)
			}
		}
		out = i
	case KindFloat:
		out, err = ToFloat(v)
	case KindOctetString:
		var b []byte
		b, err = toBytes(v)
		if err == nil {
			err = checkLen(len(b), t)
		}
		if err == nil && !t.Variable && len(b) != t.Bits/8 {
			err = fmt.Errorf("length %d, fixed octet string needs exactly %d", len(b), t.Bits/8)
		}
		out = b
	case KindCharString:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			err = fmt.Errorf("cannot use %T as character string", v)
		}
		if err == nil {
			err = checkLen(len(s), t)
		}
		// fixed strings are NUL padded on the wire and trimmed on decode
		if err == nil && !t.Variable && strings.HasSuffix(s, "\x00") {
			err = fmt.Errorf("fixed character string %q ends in NUL", s)
		}
		out = s
	case KindAbsTime, KindRelTime:
		out, err = toTime(v, t)
	default:
		err = fmt.Errorf("unsupported kind %s", t.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncode, err)
	}
	return out, nil
}

func checkLen(n int, t Type) error {
	if t.Variable {
		if n >= 1<<lengthPrefixBits {
			return fmt.Errorf("length %d exceeds %d-bit length prefix", n, lengthPrefixBits)
		}
		return nil
	}
	if n > t.Bits/8 {
		return fmt.Errorf("length %d exceeds fixed size %d", n, t.Bits/8)
	}
	return nil
}
