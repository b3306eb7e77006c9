package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/param"
)

type serviceKey struct {
	st, sst uint8
	apid    uint16
}

// Memory is an in-process Provider. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	tm    map[TMKey]*param.Schema
	tc    map[string]*TCSchema
	cals  map[string]param.Calibration
	discs map[serviceKey]Locator
}

func NewMemory() *Memory {
	return &Memory{
		tm:    make(map[TMKey]*param.Schema),
		tc:    make(map[string]*TCSchema),
		cals:  make(map[string]param.Calibration),
		discs: make(map[serviceKey]Locator),
	}
}

// AddTM registers a telemetry layout. Use AnyAPID to match every APID.
func (m *Memory) AddTM(key TMKey, s *param.Schema) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("tm %d/%d: %w", key.ServiceType, key.Subtype, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tm[key] = s
	return nil
}

// AddTC registers a telecommand. Mnemonics are case-insensitive.
func (m *Memory) AddTC(tc *TCSchema) error {
	if tc.Mnemonic == "" {
		return fmt.Errorf("%w: telecommand without mnemonic", core.ErrSchemaInvalid)
	}
	if tc.Schema == nil {
		tc.Schema = &param.Schema{Name: tc.Mnemonic}
	}
	if err := tc.Schema.Validate(); err != nil {
		return fmt.Errorf("tc %s: %w", tc.Mnemonic, err)
	}
	if tc.APID > core.MaxAPID {
		return fmt.Errorf("%w: tc %s apid %d", core.ErrSchemaInvalid, tc.Mnemonic, tc.APID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tc[strings.ToUpper(tc.Mnemonic)] = tc
	return nil
}

func (m *Memory) AddCalibration(ref string, c param.Calibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cals[ref] = c
}

// SetDiscriminant registers the structure identifier location for a
// service type/subtype, optionally restricted to one APID.
func (m *Memory) SetDiscriminant(st, sst uint8, apid uint16, loc Locator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discs[serviceKey{st, sst, apid}] = loc
}

func (m *Memory) LookupTM(st, sst uint8, apid uint16, disc uint64) (*param.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.tm[TMKey{st, sst, apid, disc}]; ok {
		return s, nil
	}
	if s, ok := m.tm[TMKey{st, sst, AnyAPID, disc}]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: tm service %d/%d apid %d sid %d", core.ErrSchemaNotFound, st, sst, apid, disc)
}

func (m *Memory) LookupTC(mnemonic string) (*TCSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tc, ok := m.tc[strings.ToUpper(mnemonic)]; ok {
		return tc, nil
	}
	return nil, fmt.Errorf("%w: tc %q", core.ErrSchemaNotFound, mnemonic)
}

func (m *Memory) LookupCalibration(ref string) (param.Calibration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cals[ref]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: calibration %q", core.ErrSchemaNotFound, ref)
}

func (m *Memory) Discriminant(st, sst uint8, apid uint16) (Locator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if loc, ok := m.discs[serviceKey{st, sst, apid}]; ok {
		return loc, true
	}
	loc, ok := m.discs[serviceKey{st, sst, AnyAPID}]
	return loc, ok
}

// Mnemonics returns the registered telecommand mnemonics, sorted.
func (m *Memory) Mnemonics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tc))
	for _, tc := range m.tc {
		out = append(out, tc.Mnemonic)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of TM layouts, TCs and calibrations.
func (m *Memory) Stats() (tm, tc, cals int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tm), len(m.tc), len(m.cals)
}
