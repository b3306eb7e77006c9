package tc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/core/param"
	"firestige.xyz/pusgate/internal/schema"
)

func testProvider(t *testing.T) *schema.Memory {
	t.Helper()
	m := schema.NewMemory()
	m.AddCalibration("TXT_ONOFF", &param.TextTable{Entries: []param.TextEntry{
		{From: 0, To: 0, Text: "OFF"},
		{From: 1, To: 1, Text: "ON"},
	}})
	curve, err := param.NewCurve([]param.Point{{X: 0, Y: -50}, {X: 200, Y: 150}})
	require.NoError(t, err)
	m.AddCalibration("CRV_TEMP", curve)

	require.NoError(t, m.AddTC(&schema.TCSchema{Mnemonic: "PING", ServiceType: 17, Subtype: 1, APID: 0x2C, Ack: schema.DefaultAck}))
	require.NoError(t, m.AddTC(&schema.TCSchema{Mnemonic: "SET_HEATER", ServiceType: 8, Subtype: 1, APID: 0x2C, Ack: schema.DefaultAck,
		Schema: &param.Schema{Name: "SET_HEATER", Descriptors: []param.Descriptor{
			{Name: "FID", PTC: 3, PFC: 4, Role: param.RoleFixed, Value: 7},
			{Name: "STATE", PTC: 3, PFC: 4, Calibration: "TXT_ONOFF"},
		}}}))
	require.NoError(t, m.AddTC(&schema.TCSchema{Mnemonic: "SET_TEMP", ServiceType: 8, Subtype: 1, APID: 0x2D, Ack: schema.DefaultAck,
		Schema: &param.Schema{Name: "SET_TEMP", Descriptors: []param.Descriptor{
			{Name: "TARGET", PTC: 3, PFC: 4, Calibration: "CRV_TEMP", Ranges: []param.Range{{Min: -20, Max: 80}}},
		}}}))
	require.NoError(t, m.AddTC(&schema.TCSchema{Mnemonic: "LOAD_TABLE", ServiceType: 6, Subtype: 2, APID: 0x2C, Ack: schema.DefaultAck,
		Schema: &param.Schema{Name: "LOAD_TABLE", Descriptors: []param.Descriptor{
			{Name: "TABLE", PTC: 3, PFC: 4},
			{Name: "N", PTC: 3, PFC: 4, GroupSize: 2},
			{Name: "ADDR", PTC: 3, PFC: 12},
			{Name: "VAL", PTC: 3, PFC: 4},
			{Name: "CHK", PTC: 3, PFC: 12, Role: param.RoleFixed, Value: 0xBEEF},
		}}}))
	return m
}

func payloadOf(t *testing.T, b Built) []byte {
	t.Helper()
	require.False(t, crc.Default().Corrupt(b.Bytes))
	h, err := header.Decode(b.Bytes)
	require.NoError(t, err)
	assert.Equal(t, core.HeaderTC, h.Kind)
	assert.Equal(t, len(b.Bytes), h.PacketLen())
	return b.Bytes[h.Len() : len(b.Bytes)-core.CRCLen]
}

func TestBuildPing(t *testing.T) {
	b := NewBuilder(testProvider(t), nil, Config{})
	built, err := b.Build("PING", nil, Options{})
	require.NoError(t, err)

	assert.Len(t, built.Bytes, core.TCHeaderLen+core.CRCLen)
	assert.Empty(t, payloadOf(t, built))
	assert.Equal(t, uint8(17), built.ServiceType)
	assert.Equal(t, uint8(1), built.Subtype)
	assert.Equal(t, uint16(0x2C), built.APID)
	assert.Equal(t, uint16(1), built.SeqCount)
	assert.Equal(t, schema.DefaultAck, built.Header.AckFlags)
}

func TestBuildAckOverride(t *testing.T) {
	b := NewBuilder(testProvider(t), nil, Config{SourceID: 5})
	ack := uint8(0xF)
	built, err := b.Build("PING", nil, Options{Ack: &ack})
	require.NoError(t, err)

	h, err := header.Decode(built.Bytes)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xF), h.AckFlags)
	assert.Equal(t, uint8(5), h.SourceID)
	assert.Equal(t, uint8(PUSVersion), h.PUSVersion)
}

func TestBuildTextAlias(t *testing.T) {
	b := NewBuilder(testProvider(t), nil, Config{})

	built, err := b.Build("SET_HEATER", []any{"ON"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 1}, payloadOf(t, built))

	_, err = b.Build("SET_HEATER", []any{"MAYBE"}, Options{})
	assert.ErrorIs(t, err, core.ErrInvalidAlias)

	built, err = b.Build("SET_HEATER", []any{"1"}, Options{NoValidate: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 1}, payloadOf(t, built))
}

func TestBuildRangeAndCurve(t *testing.T) {
	b := NewBuilder(testProvider(t), nil, Config{})

	// -50..150 over raw 0..200: raw = eng + 50
	built, err := b.Build("SET_TEMP", []any{25.0}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte{75}, payloadOf(t, built))

	_, err = b.Build("SET_TEMP", []any{90}, Options{})
	assert.ErrorIs(t, err, core.ErrOutOfRange)

	built, err = b.Build("SET_TEMP", []any{90}, Options{NoValidate: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{140}, payloadOf(t, built))

	_, err = b.Build("SET_TEMP", []any{500}, Options{NoValidate: true})
	assert.ErrorIs(t, err, core.ErrOutOfRange, "outside the curve cannot be inverted")
}

func TestBuildRepeatedGroup(t *testing.T) {
	b := NewBuilder(testProvider(t), nil, Config{})

	built, err := b.Build("LOAD_TABLE", []any{3, 2, 0x1000, 0xAA, 0x1001, 0xBB}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 0x10, 0x00, 0xAA, 0x10, 0x01, 0xBB, 0xBE, 0xEF}, payloadOf(t, built))

	built, err = b.Build("LOAD_TABLE", []any{3, 0}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0, 0xBE, 0xEF}, payloadOf(t, built))

	_, err = b.Build("LOAD_TABLE", []any{3, 2, 0x1000, 0xAA}, Options{})
	assert.ErrorIs(t, err, core.ErrEncode)
}

func TestBuildErrors(t *testing.T) {
	b := NewBuilder(testProvider(t), nil, Config{MaxPacketSize: 12})

	_, err := b.Build("NOPE", nil, Options{})
	assert.ErrorIs(t, err, core.ErrSchemaNotFound)

	_, err = b.Build("PING", []any{1}, Options{})
	assert.ErrorIs(t, err, core.ErrEncode)

	_, err = b.Build("SET_HEATER", []any{1}, Options{})
	assert.ErrorIs(t, err, core.ErrPacketTooLarge)

	assert.Equal(t, uint16(1), b.seq.peek(0x2C), "failed builds do not consume counts")
}

func TestSequenceMonotonic(t *testing.T) {
	seq := NewSequenceTable()
	b := NewBuilder(testProvider(t), seq, Config{})

	var last uint16
	for i := 0; i < 10; i++ {
		built, err := b.Build("PING", nil, Options{})
		require.NoError(t, err)
		assert.Greater(t, built.SeqCount, last)
		last = built.SeqCount
	}
	other, err := b.Build("SET_TEMP", []any{0}, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), other.SeqCount, "counts are per apid")
}

// peek returns the count Next would return without consuming it.
func (t *SequenceTable) peek(apid uint16) uint16 {
	return uint16(t.counter(apid).Load()%maxSeq + 1)
}

// set makes next the count Next returns for apid; 0 becomes 1.
func (t *SequenceTable) set(apid uint16, next uint16) {
	n := uint32(next) % core.SeqCountMod
	if n == 0 {
		n = 1
	}
	t.counter(apid).Store(n - 1)
}

func TestSequenceWrapSkipsZero(t *testing.T) {
	seq := NewSequenceTable()
	seq.set(1, core.SeqCountMod-2)
	assert.Equal(t, uint16(16382), seq.Next(1))
	assert.Equal(t, uint16(16383), seq.Next(1))
	assert.Equal(t, uint16(1), seq.Next(1))
	assert.Equal(t, uint16(2), seq.peek(1))

	seq.set(2, 0)
	assert.Equal(t, uint16(1), seq.Next(2))
}

func TestSequenceConcurrent(t *testing.T) {
	seq := NewSequenceTable()
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[uint16]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				n := seq.Next(0x10)
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*per)
	assert.False(t, seen[0])
}
