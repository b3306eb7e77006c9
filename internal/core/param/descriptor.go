package param

import (
	"fmt"

	"firestige.xyz/pusgate/internal/core"
)

// Role tells the encoder where a parameter's value comes from.
type Role string

const (
	RoleEditable Role = ""      // supplied by the caller
	RoleFixed    Role = "fixed" // schema literal in Descriptor.Value
	RoleSpare    Role = "spare" // Width zero bits
)

// Range is an inclusive numeric interval used for command argument checks.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Descriptor is one schema entry.
type Descriptor struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	PTC         int    `yaml:"ptc" json:"ptc"`
	PFC         int    `yaml:"pfc" json:"pfc"`
	Role        Role   `yaml:"role,omitempty" json:"role,omitempty"`

	// Offset is an absolute bit position from the start of the payload.
	// nil decodes at the running cursor.
	Offset *int `yaml:"offset,omitempty" json:"offset,omitempty"`
	// Width is the bit width of a spare.
	Width int `yaml:"width,omitempty" json:"width,omitempty"`

	// GroupSize > 0 makes this parameter the repetition counter of the next
	// GroupSize descriptors.
	GroupSize int `yaml:"group_size,omitempty" json:"group_size,omitempty"`
	// Discriminant marks the parameter whose value selects the concrete
	// type of later deduced (PTC 11) parameters in the same group.
	Discriminant bool              `yaml:"discriminant,omitempty" json:"discriminant,omitempty"`
	Deduced      map[uint64]Format `yaml:"deduced,omitempty" json:"deduced,omitempty"`

	Calibration string  `yaml:"calibration,omitempty" json:"calibration,omitempty"`
	Value       any     `yaml:"value,omitempty" json:"value,omitempty"`
	Ranges      []Range `yaml:"ranges,omitempty" json:"ranges,omitempty"`
	Unit        string  `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Format returns the descriptor's (PTC, PFC) pair.
func (d *Descriptor) Format() Format {
	return Format{PTC: d.PTC, PFC: d.PFC}
}

// resolve returns the concrete type of d. Deduced parameters look up the
// discriminant value in force.
func (d *Descriptor) resolve(disc discriminant) (Type, error) {
	t, err := d.Format().Resolve()
	if err != nil {
		return Type{}, fmt.Errorf("parameter %s: %w", d.Name, err)
	}
	if t.Kind != KindDeduced {
		return t, nil
	}
	if !disc.set {
		return Type{}, fmt.Errorf("%w: deduced parameter %s without a preceding discriminant", core.ErrSchemaInvalid, d.Name)
	}
	f, ok := d.Deduced[disc.value]
	if !ok {
		return Type{}, fmt.Errorf("%w: parameter %s has no type for discriminant %d", core.ErrUnsupportedType, d.Name, disc.value)
	}
	t, err = f.Resolve()
	if err != nil {
		return Type{}, fmt.Errorf("parameter %s: %w", d.Name, err)
	}
	if t.Kind == KindDeduced {
		return Type{}, fmt.Errorf("%w: parameter %s deduces to another deduced type", core.ErrSchemaInvalid, d.Name)
	}
	return t, nil
}

// discriminant is the value of the most recent discriminant parameter in
// scope. It is passed by value into nested groups.
type discriminant struct {
	value uint64
	set   bool
}

// Schema is an ordered parameter layout. It is immutable once resolved.
type Schema struct {
	Name        string       `yaml:"name" json:"name"`
	Descriptors []Descriptor `yaml:"parameters" json:"parameters"`
}

// Validate checks group bounds, spare widths and type codes.
func (s *Schema) Validate() error {
	return validateBlock(s.Descriptors)
}

func validateBlock(descs []Descriptor) error {
	for i := 0; i < len(descs); i++ {
		d := &descs[i]
		if d.Role == RoleSpare {
			if d.Width <= 0 {
				return fmt.Errorf("%w: spare %q needs a positive width", core.ErrSchemaInvalid, d.Name)
			}
			continue
		}
		if d.Role != RoleEditable && d.Role != RoleFixed {
			return fmt.Errorf("%w: parameter %s has unknown role %q", core.ErrSchemaInvalid, d.Name, d.Role)
		}
		t, err := d.Format().Resolve()
		if err != nil {
			return fmt.Errorf("%w: parameter %s: %v", core.ErrSchemaInvalid, d.Name, err)
		}
		if t.Kind == KindDeduced {
			for v, f := range d.Deduced {
				if _, err := f.Resolve(); err != nil {
					return fmt.Errorf("%w: parameter %s deduced[%d]: %v", core.ErrSchemaInvalid, d.Name, v, err)
				}
			}
		}
		if d.Role == RoleFixed && d.Value == nil {
			return fmt.Errorf("%w: fixed parameter %s has no value", core.ErrSchemaInvalid, d.Name)
		}
		if d.GroupSize > 0 {
			end := i + 1 + d.GroupSize
			if end > len(descs) {
				return fmt.Errorf("%w: group of %s spans %d parameters, only %d follow",
					core.ErrSchemaInvalid, d.Name, d.GroupSize, len(descs)-i-1)
			}
			if err := validateBlock(descs[i+1 : end]); err != nil {
				return err
			}
			i = end - 1
		}
	}
	return nil
}

// HasGroups reports whether the schema contains a repetition counter. A nil
// schema has none.
func (s *Schema) HasGroups() bool {
	if s == nil {
		return false
	}
	for i := range s.Descriptors {
		if s.Descriptors[i].GroupSize > 0 {
			return true
		}
	}
	return false
}

// Editable returns the number of caller-supplied parameters at the top
// level. Group members repeat, so a schema with groups takes at least that
// many.
func (s *Schema) Editable() int {
	if s == nil {
		return 0
	}
	n := 0
	for i := range s.Descriptors {
		if s.Descriptors[i].Role == RoleEditable {
			n++
		}
	}
	return n
}
