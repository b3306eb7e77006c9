package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/param"
)

// File is the on-disk parameter database layout.
type File struct {
	TM            []TMEntry           `yaml:"tm"`
	TC            []TCEntry           `yaml:"tc"`
	Discriminants []DiscriminantEntry `yaml:"discriminants"`
	Curves        []CurveEntry        `yaml:"curves"`
	Polynomials   []PolynomialEntry   `yaml:"polynomials"`
	TextTables    []TextTableEntry    `yaml:"text_tables"`
}

type TMEntry struct {
	Name       string             `yaml:"name"`
	Service    uint8              `yaml:"service"`
	Subtype    uint8              `yaml:"subtype"`
	APID       *uint16            `yaml:"apid"`
	SID        uint64             `yaml:"sid"`
	Parameters []param.Descriptor `yaml:"parameters"`
}

type TCEntry struct {
	Mnemonic   string             `yaml:"mnemonic"`
	Service    uint8              `yaml:"service"`
	Subtype    uint8              `yaml:"subtype"`
	APID       uint16             `yaml:"apid"`
	Ack        *uint8             `yaml:"ack"`
	Parameters []param.Descriptor `yaml:"parameters"`
}

type DiscriminantEntry struct {
	Service uint8   `yaml:"service"`
	Subtype uint8   `yaml:"subtype"`
	APID    *uint16 `yaml:"apid"`
	Offset  int     `yaml:"offset"`
	PTC     int     `yaml:"ptc"`
	PFC     int     `yaml:"pfc"`
}

type CurveEntry struct {
	Name   string        `yaml:"name"`
	Points []param.Point `yaml:"points"`
}

type PolynomialEntry struct {
	Name         string    `yaml:"name"`
	Coefficients []float64 `yaml:"coefficients"`
}

type TextTableEntry struct {
	Name    string            `yaml:"name"`
	Entries []param.TextEntry `yaml:"entries"`
}

// Load reads a YAML parameter database.
func Load(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse builds a Memory provider from YAML and validates every layout and
// every calibration reference.
func Parse(data []byte) (*Memory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSchemaInvalid, err)
	}

	m := NewMemory()
	for _, c := range f.Curves {
		curve, err := param.NewCurve(c.Points)
		if err != nil {
			return nil, fmt.Errorf("curve %s: %w", c.Name, err)
		}
		m.AddCalibration(c.Name, curve)
	}
	for _, p := range f.Polynomials {
		m.AddCalibration(p.Name, &param.Polynomial{Coefficients: p.Coefficients})
	}
	for _, t := range f.TextTables {
		m.AddCalibration(t.Name, &param.TextTable{Entries: t.Entries})
	}

	for _, d := range f.Discriminants {
		loc := Locator{Offset: d.Offset, Format: param.Format{PTC: d.PTC, PFC: d.PFC}}
		if _, err := loc.Format.Resolve(); err != nil {
			return nil, fmt.Errorf("%w: discriminant %d/%d: %v", core.ErrSchemaInvalid, d.Service, d.Subtype, err)
		}
		m.SetDiscriminant(d.Service, d.Subtype, apidOrAny(d.APID), loc)
	}

	for _, e := range f.TM {
		s := &param.Schema{Name: e.Name, Descriptors: e.Parameters}
		if err := checkRefs(m, s); err != nil {
			return nil, err
		}
		key := TMKey{ServiceType: e.Service, Subtype: e.Subtype, APID: apidOrAny(e.APID), Discriminant: e.SID}
		if err := m.AddTM(key, s); err != nil {
			return nil, err
		}
	}

	for _, e := range f.TC {
		ack := DefaultAck
		if e.Ack != nil {
			ack = *e.Ack & 0x0F
		}
		s := &param.Schema{Name: e.Mnemonic, Descriptors: e.Parameters}
		if err := checkRefs(m, s); err != nil {
			return nil, err
		}
		err := m.AddTC(&TCSchema{
			Mnemonic:    e.Mnemonic,
			ServiceType: e.Service,
			Subtype:     e.Subtype,
			APID:        e.APID,
			Ack:         ack,
			Schema:      s,
		})
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func apidOrAny(p *uint16) uint16 {
	if p == nil {
		return AnyAPID
	}
	return *p
}

func checkRefs(m *Memory, s *param.Schema) error {
	for i := range s.Descriptors {
		ref := s.Descriptors[i].Calibration
		if ref == "" {
			continue
		}
		if _, err := m.LookupCalibration(ref); err != nil {
			return fmt.Errorf("%w: %s.%s references unknown calibration %q",
				core.ErrSchemaInvalid, s.Name, s.Descriptors[i].Name, ref)
		}
	}
	return nil
}
