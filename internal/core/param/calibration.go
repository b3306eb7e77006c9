package param

import (
	"fmt"
	"sort"

	"firestige.xyz/pusgate/internal/core"
)

// Calibration converts a raw decoded value to engineering units.
type Calibration interface {
	Calibrate(raw any) (any, error)
}

// Point is one knot of a numeric curve.
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Curve is a piecewise linear calibration. Points must be sorted by X;
// NewCurve does that.
type Curve struct {
	Points []Point
}

func NewCurve(points []Point) (*Curve, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: curve without points", core.ErrSchemaInvalid)
	}
	p := append([]Point(nil), points...)
	sort.Slice(p, func(i, j int) bool { return p[i].X < p[j].X })
	return &Curve{Points: p}, nil
}

// Eval interpolates y at x. Outside the curve the nearest knot's y is used.
func (c *Curve) Eval(x float64) float64 {
	p := c.Points
	if x <= p[0].X {
		return p[0].Y
	}
	if x >= p[len(p)-1].X {
		return p[len(p)-1].Y
	}
	i := sort.Search(len(p), func(i int) bool { return p[i].X >= x })
	a, b := p[i-1], p[i]
	return a.Y + (x-a.X)*(b.Y-a.Y)/(b.X-a.X)
}

// Invert finds x such that Eval(x) == y on the first segment that spans y.
// Values outside the curve's y range are rejected with core.ErrOutOfRange.
func (c *Curve) Invert(y float64) (float64, error) {
	p := c.Points
	if len(p) == 1 {
		if p[0].Y == y {
			return p[0].X, nil
		}
		return 0, fmt.Errorf("%w: %v not on curve", core.ErrOutOfRange, y)
	}
	for i := 1; i < len(p); i++ {
		a, b := p[i-1], p[i]
		lo, hi := a.Y, b.Y
		if lo > hi {
			lo, hi = hi, lo
		}
		if y < lo || y > hi {
			continue
		}
		if a.Y == b.Y {
			return a.X, nil
		}
		return a.X + (y-a.Y)*(b.X-a.X)/(b.Y-a.Y), nil
	}
	return 0, fmt.Errorf("%w: %v outside curve", core.ErrOutOfRange, y)
}

func (c *Curve) Calibrate(raw any) (any, error) {
	x, err := ToFloat(raw)
	if err != nil {
		return nil, err
	}
	return c.Eval(x), nil
}

// Polynomial evaluates a0 + a1·x + a2·x² + ...
type Polynomial struct {
	Coefficients []float64
}

func (p *Polynomial) Eval(x float64) float64 {
	var y float64
	for i := len(p.Coefficients) - 1; i >= 0; i-- {
		y = y*x + p.Coefficients[i]
	}
	return y
}

func (p *Polynomial) Calibrate(raw any) (any, error) {
	x, err := ToFloat(raw)
	if err != nil {
		return nil, err
	}
	return p.Eval(x), nil
}

// TextEntry maps the inclusive raw range [From, To] to Text.
type TextEntry struct {
	From int64  `yaml:"from" json:"from"`
	To   int64  `yaml:"to" json:"to"`
	Text string `yaml:"text" json:"text"`
}

// TextTable maps raw values to text. Values not covered by any entry are
// returned unchanged.
type TextTable struct {
	Entries []TextEntry
}

func (t *TextTable) Calibrate(raw any) (any, error) {
	v, err := toInt(raw)
	if err != nil {
		return raw, nil
	}
	for _, e := range t.Entries {
		if v >= e.From && v <= e.To {
			return e.Text, nil
		}
	}
	return raw, nil
}

// Lookup returns the raw value of an exact text match.
func (t *TextTable) Lookup(text string) (int64, error) {
	for _, e := range t.Entries {
		if e.Text == text {
			return e.From, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", core.ErrInvalidAlias, text)
}

// Calibrations resolves a calibration reference.
type Calibrations func(ref string) (Calibration, bool)

// Apply fills Calibrated on every field whose descriptor names a calibration.
// Fields without one, or whose reference does not resolve, keep their raw
// value.
func Apply(fields []Field, lookup Calibrations) error {
	for i := range fields {
		ref := fields[i].Descriptor.Calibration
		if ref == "" || lookup == nil {
			continue
		}
		cal, ok := lookup(ref)
		if !ok {
			continue
		}
		v, err := cal.Calibrate(fields[i].Raw)
		if err != nil {
			return fmt.Errorf("parameter %s calibration %s: %w", fields[i].Name(), ref, err)
		}
		fields[i].Calibrated = v
	}
	return nil
}
