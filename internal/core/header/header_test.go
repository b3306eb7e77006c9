package header

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/core"
)

func TestEncodeTMHeader(t *testing.T) {
	h := core.Header{
		Kind:           core.HeaderTM,
		Type:           core.TypeTM,
		APID:           0x141,
		SeqFlags:       3,
		SeqCount:       0x1234,
		Length:         15,
		PUSVersion:     1,
		ServiceType:    3,
		ServiceSubtype: 25,
		DestinationID:  0x10,
		Time:           core.CUCTime{Coarse: 0x01020304, Fine: 0x1ABC, FineBits: 15, Sync: true},
	}

	data := Encode(h)
	require.Len(t, data, core.TMHeaderLen)

	expected := []byte{
		0x09, 0x41, // version 0, TM, sec hdr, apid 0x141
		0xD2, 0x34, // seq flags 3, count 0x1234
		0x00, 0x0F, // length
		0x10,             // pus version 1
		0x03, 0x19, 0x10, // service 3/25, dest 0x10
		0x01, 0x02, 0x03, 0x04, // coarse
		0x35, 0x79, // fine 0x1ABC<<1 | sync
	}
	assert.Equal(t, expected, data)
}

func TestEncodeTCHeader(t *testing.T) {
	h := core.Header{
		Kind:           core.HeaderTC,
		Type:           core.TypeTC,
		APID:           0x3AC,
		SeqFlags:       3,
		SeqCount:       1,
		Length:         5,
		PUSVersion:     2,
		AckFlags:       0x9,
		ServiceType:    17,
		ServiceSubtype: 1,
		SourceID:       0x0F,
	}

	data := Encode(h)
	require.Len(t, data, core.TCHeaderLen)
	assert.Equal(t, []byte{0x1B, 0xAC, 0xC0, 0x01, 0x00, 0x05, 0x29, 0x11, 0x01, 0x0F}, data)
}

func TestTCSpareBitIgnored(t *testing.T) {
	data := []byte{0x1B, 0xAC, 0xC0, 0x01, 0x00, 0x05, 0xA9, 0x11, 0x01, 0x0F}
	h, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), h.PUSVersion)
	assert.Equal(t, uint8(0x9), h.AckFlags)

	assert.Equal(t, byte(0x29), Encode(h)[6], "spare bit is written as zero")
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    core.Header
	}{
		{
			name: "raw",
			h:    core.Header{Kind: core.HeaderRaw, Version: 0, APID: 0x7FF, SeqFlags: 3, SeqCount: 16383, Length: 0},
		},
		{
			name: "tm",
			h: core.Header{
				Kind: core.HeaderTM, SecondaryHeader: true, APID: 1, SeqFlags: 3, SeqCount: 9, Length: 100,
				PUSVersion: 1, ServiceType: 5, ServiceSubtype: 1, DestinationID: 2,
				Time: core.CUCTime{Coarse: 12345, Fine: 32767, FineBits: 15},
			},
		},
		{
			name: "tc",
			h: core.Header{
				Kind: core.HeaderTC, Type: core.TypeTC, SecondaryHeader: true, APID: 0x3AC, SeqFlags: 3, SeqCount: 77,
				Length: 3, PUSVersion: 1, AckFlags: 0xF, ServiceType: 17, ServiceSubtype: 1, SourceID: 9,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(Encode(tt.h))
			require.NoError(t, err)
			assert.Equal(t, tt.h, got)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short primary", []byte{0x08, 0x01, 0xC0}},
		{"tm missing data field header", []byte{0x08, 0x01, 0xC0, 0x01, 0x00, 0x10, 0x10, 0x03}},
		{"tc missing data field header", []byte{0x18, 0x01, 0xC0, 0x01, 0x00, 0x10, 0x10, 0x03, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrTruncatedHeader))
		})
	}
}

func TestDecodeWithoutSecondaryHeader(t *testing.T) {
	// A TC flag without the secondary header flag decodes as a bare header
	h, err := Decode([]byte{0x10, 0x05, 0xC0, 0x01, 0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, core.HeaderRaw, h.Kind)
	assert.Equal(t, core.TypeTC, h.Type)
	assert.Equal(t, uint16(5), h.APID)
	assert.Equal(t, 8, h.PacketLen())
}

func TestLengthField(t *testing.T) {
	for _, kind := range []core.HeaderKind{core.HeaderRaw, core.HeaderTM, core.HeaderTC} {
		for _, n := range []int{0, 1, 17, 1000} {
			h := core.Header{Kind: kind}
			overhead := h.Len() - core.PrimaryHeaderLen + core.CRCLen
			assert.Equal(t, uint16(n+overhead-1), LengthField(kind, n), "kind=%s payload=%d", kind, n)
		}
	}
}

func TestPeekLength(t *testing.T) {
	_, ok := PeekLength([]byte{0, 1, 2})
	assert.False(t, ok)

	n, ok := PeekLength([]byte{0x08, 0x01, 0xC0, 0x01, 0x00, 0x0B})
	require.True(t, ok)
	assert.Equal(t, 18, n)
}
