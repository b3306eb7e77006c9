package decoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/core/param"
	"firestige.xyz/pusgate/internal/schema"
)

func hkProvider(t *testing.T) *schema.Memory {
	t.Helper()
	m := schema.NewMemory()
	m.SetDiscriminant(3, 25, schema.AnyAPID, schema.Locator{Offset: 0, Format: param.Format{PTC: 3, PFC: 4}})
	curve, err := param.NewCurve([]param.Point{{X: 0, Y: 0}, {X: 100, Y: 50}})
	require.NoError(t, err)
	m.AddCalibration("CRV_HALF", curve)
	require.NoError(t, m.AddTM(schema.TMKey{ServiceType: 3, Subtype: 25, APID: schema.AnyAPID, Discriminant: 1},
		&param.Schema{Name: "HK1", Descriptors: []param.Descriptor{
			{Name: "SID", PTC: 3, PFC: 4},
			{Name: "N", PTC: 3, PFC: 4, GroupSize: 1},
			{Name: "V", PTC: 3, PFC: 12, Calibration: "CRV_HALF"},
		}}))
	return m
}

func TestPacketDecoderTM(t *testing.T) {
	d := NewPacketDecoder(hkProvider(t))
	raw := makeTM(0x42, 9, []byte{0x01, 0x02, 0x00, 0x0A, 0x00, 0x14})

	pkt, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "HK1", pkt.Schema)
	assert.Equal(t, uint16(0x42), pkt.Header.APID)
	assert.Equal(t, uint16(9), pkt.Header.SeqCount)
	require.Len(t, pkt.Fields, 4)
	assert.Equal(t, uint64(10), pkt.Fields[2].Raw)
	assert.Equal(t, 5.0, pkt.Fields[2].Calibrated)
	assert.Equal(t, 10.0, pkt.Fields[3].Calibrated)

	f, ok := pkt.Field("N")
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Raw)
	_, ok = pkt.Field("missing")
	assert.False(t, ok)

	labels := pkt.Labels()
	assert.Equal(t, "tm", labels[core.LabelKind])
	assert.Equal(t, "66", labels[core.LabelAPID])
	assert.Equal(t, "HK1", labels[core.LabelSchema])
}

func TestPacketDecoderUnknownSID(t *testing.T) {
	d := NewPacketDecoder(hkProvider(t))
	pkt, err := d.Decode(makeTM(0x42, 1, []byte{0x07}))
	assert.ErrorIs(t, err, core.ErrSchemaNotFound)
	assert.True(t, HeaderOnly(err))
	assert.Equal(t, uint8(3), pkt.Header.ServiceType)
	assert.Equal(t, []byte{0x07}, pkt.Payload)
	assert.Empty(t, pkt.Fields)
	assert.NotContains(t, pkt.Labels(), core.LabelDecodeError)

	pkt.Err = err
	assert.Equal(t, err.Error(), pkt.Labels()[core.LabelDecodeError])
	assert.Equal(t, err.Error(), pkt.View("hk", time.Time{}).Error)
}

func TestPacketDecoderUnderrun(t *testing.T) {
	d := NewPacketDecoder(hkProvider(t))
	pkt, err := d.Decode(makeTM(0x42, 1, []byte{0x01, 0x02, 0x00, 0x0A}))
	assert.ErrorIs(t, err, core.ErrBufferUnderrun)
	assert.Nil(t, pkt.Fields)
	assert.Equal(t, "HK1", pkt.Schema)
}

func TestPacketDecoderTC(t *testing.T) {
	h := core.Header{
		Kind:           core.HeaderTC,
		Type:           core.TypeTC,
		APID:           0x2C,
		SeqFlags:       3,
		SeqCount:       1,
		Length:         header.LengthField(core.HeaderTC, 2),
		PUSVersion:     1,
		AckFlags:       9,
		ServiceType:    8,
		ServiceSubtype: 1,
	}
	raw := crc.Default().Append(append(header.Encode(h), 0xAB, 0xCD))

	pkt, err := NewPacketDecoder(hkProvider(t)).Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, core.HeaderTC, pkt.Header.Kind)
	assert.Equal(t, []byte{0xAB, 0xCD}, pkt.Payload)
	assert.Empty(t, pkt.Fields)
	assert.Equal(t, "tc", pkt.Labels()[core.LabelKind])
}

func TestPacketDecoderTruncated(t *testing.T) {
	_, err := NewPacketDecoder(nil).Decode([]byte{0x08, 0x10, 0xC0})
	assert.ErrorIs(t, err, core.ErrTruncatedHeader)
	assert.False(t, HeaderOnly(err))
}

func TestFramerIntoDecoder(t *testing.T) {
	d := NewPacketDecoder(hkProvider(t))
	f := NewFramer(FramerConfig{})
	stream := append(makeTM(0x42, 1, []byte{0x01, 0x00}), makeTM(0x42, 2, []byte{0x01, 0x01, 0x00, 0x64})...)

	var decoded []DecodedPacket
	f.Feed(stream, func(raw []byte) {
		pkt, err := d.Decode(raw)
		require.NoError(t, err)
		decoded = append(decoded, pkt)
	})
	require.Len(t, decoded, 2)
	assert.Len(t, decoded[0].Fields, 2)
	assert.Equal(t, 50.0, decoded[1].Fields[2].Calibrated)
}
