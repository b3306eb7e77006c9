package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/param"
)

const testMIB = `
curves:
  - name: CRV_TEMP
    points:
      - {x: 0, y: -50}
      - {x: 255, y: 205}
polynomials:
  - name: POL_VOLT
    coefficients: [0, 0.5]
text_tables:
  - name: TXT_ONOFF
    entries:
      - {from: 0, to: 0, text: "OFF"}
      - {from: 1, to: 1, text: "ON"}
discriminants:
  - {service: 3, subtype: 25, offset: 0, ptc: 3, pfc: 4}
tm:
  - name: HK_SID1
    service: 3
    subtype: 25
    sid: 1
    parameters:
      - {name: SID, ptc: 3, pfc: 4}
      - {name: TEMP, ptc: 3, pfc: 4, calibration: CRV_TEMP}
      - {name: HEATER, ptc: 3, pfc: 4, calibration: TXT_ONOFF}
  - name: EVT_APID
    service: 5
    subtype: 1
    apid: 0x65
    parameters:
      - {name: EID, ptc: 3, pfc: 12}
tc:
  - mnemonic: PING
    service: 17
    subtype: 1
    apid: 0x2C
  - mnemonic: SET_HEATER
    service: 8
    subtype: 1
    apid: 0x2C
    ack: 1
    parameters:
      - {name: FID, ptc: 3, pfc: 4, role: fixed, value: 7}
      - {name: STATE, ptc: 3, pfc: 4, calibration: TXT_ONOFF}
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(testMIB))
	require.NoError(t, err)

	tm, tc, cals := m.Stats()
	assert.Equal(t, 2, tm)
	assert.Equal(t, 2, tc)
	assert.Equal(t, 3, cals)
	assert.Equal(t, []string{"PING", "SET_HEATER"}, m.Mnemonics())

	s, err := m.LookupTM(3, 25, 0x123, 1)
	require.NoError(t, err, "apid-less layouts match any apid")
	assert.Equal(t, "HK_SID1", s.Name)
	assert.Len(t, s.Descriptors, 3)

	_, err = m.LookupTM(3, 25, 0x123, 2)
	assert.ErrorIs(t, err, core.ErrSchemaNotFound)

	_, err = m.LookupTM(5, 1, 0x65, 0)
	assert.NoError(t, err)
	_, err = m.LookupTM(5, 1, 0x66, 0)
	assert.ErrorIs(t, err, core.ErrSchemaNotFound)

	loc, ok := m.Discriminant(3, 25, 0x123)
	require.True(t, ok)
	assert.Equal(t, Locator{Offset: 0, Format: param.Format{PTC: 3, PFC: 4}}, loc)
	_, ok = m.Discriminant(5, 1, 0x65)
	assert.False(t, ok)

	ping, err := m.LookupTC("ping")
	require.NoError(t, err)
	assert.Equal(t, uint8(17), ping.ServiceType)
	assert.Equal(t, DefaultAck, ping.Ack)
	assert.Empty(t, ping.Schema.Descriptors)

	set, err := m.LookupTC("SET_HEATER")
	require.NoError(t, err)
	assert.Equal(t, uint8(1), set.Ack)
	assert.Equal(t, param.RoleFixed, set.Schema.Descriptors[0].Role)

	cal, err := m.LookupCalibration("POL_VOLT")
	require.NoError(t, err)
	v, err := cal.Calibrate(uint64(10))
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	_, err = m.LookupCalibration("NOPE")
	assert.ErrorIs(t, err, core.ErrSchemaNotFound)
}

func TestParseRejectsBadSchemas(t *testing.T) {
	tests := map[string]string{
		"unknown calibration": `
tm:
  - {name: X, service: 1, subtype: 1, parameters: [{name: A, ptc: 3, pfc: 4, calibration: MISSING}]}`,
		"bad type": `
tc:
  - {mnemonic: X, service: 1, subtype: 1, parameters: [{name: A, ptc: 42, pfc: 0}]}`,
		"group overrun": `
tm:
  - {name: X, service: 1, subtype: 1, parameters: [{name: N, ptc: 3, pfc: 4, group_size: 3}]}`,
		"bad discriminant": `
discriminants:
  - {service: 3, subtype: 25, ptc: 3, pfc: 99}`,
		"not yaml": `tm: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, core.ErrSchemaInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mib.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testMIB), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	_, err = m.LookupTC("PING")
	assert.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemoryAPIDPrecedence(t *testing.T) {
	m := NewMemory()
	generic := &param.Schema{Name: "generic"}
	specific := &param.Schema{Name: "specific"}
	require.NoError(t, m.AddTM(TMKey{ServiceType: 1, Subtype: 1, APID: AnyAPID}, generic))
	require.NoError(t, m.AddTM(TMKey{ServiceType: 1, Subtype: 1, APID: 0x10}, specific))

	s, err := m.LookupTM(1, 1, 0x10, 0)
	require.NoError(t, err)
	assert.Equal(t, "specific", s.Name)

	s, err = m.LookupTM(1, 1, 0x11, 0)
	require.NoError(t, err)
	assert.Equal(t, "generic", s.Name)

	assert.ErrorIs(t, m.AddTC(&TCSchema{}), core.ErrSchemaInvalid)
	assert.ErrorIs(t, m.AddTC(&TCSchema{Mnemonic: "X", APID: 0x800}), core.ErrSchemaInvalid)

	calibs := Calibrations(m)
	_, ok := calibs("none")
	assert.False(t, ok)
}

func TestLoadSampleMIB(t *testing.T) {
	m, err := Load(filepath.Join("..", "..", "configs", "mib.yml"))
	require.NoError(t, err)
	tm, tc, cals := m.Stats()
	assert.Equal(t, 2, tm)
	assert.Equal(t, 2, tc)
	assert.Equal(t, 3, cals)
}
