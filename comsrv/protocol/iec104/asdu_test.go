package iec104

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeShortFloatMeasurement(t *testing.T) {
	sizes := Sizes{CA: 2, IOA: 3}
	// M_ME_NC_1, one object, COT spontaneous, CA 1, IOA 0x000102, value 25.5.
	body := []byte{byte(MMeNc), 1, byte(CotSpontaneous), 0, 1, 0}
	body = append(body, 0x02, 0x01, 0x00) // IOA little-endian
	var fb [4]byte
	binary.LittleEndian.PutUint32(fb[:], math.Float32bits(25.5))
	body = append(body, fb[:]...)
	body = append(body, 0) // QDS

	a, err := Decode(body, sizes)
	require.NoError(t, err)
	assert.Equal(t, MMeNc, a.Type)
	assert.Equal(t, CotSpontaneous, a.Cause)
	assert.Equal(t, uint16(1), a.CA)
	require.Len(t, a.Objects, 1)
	assert.Equal(t, uint32(0x0102), a.Objects[0].IOA)
	assert.InDelta(t, 25.5, a.Objects[0].Value, 1e-6)
}

func TestDecodeSinglePointSequence(t *testing.T) {
	sizes := Sizes{CA: 1, IOA: 2}
	// SQ=1, 3 objects sharing base IOA 100: values 1,0,1.
	body := []byte{byte(MSpNa), 0x83, byte(CotInterrogated), 0, 7}
	body = append(body, 100, 0) // base IOA
	body = append(body, 1, 0, 1)

	a, err := Decode(body, sizes)
	require.NoError(t, err)
	assert.True(t, a.Sequence)
	require.Len(t, a.Objects, 3)
	assert.Equal(t, uint32(100), a.Objects[0].IOA)
	assert.Equal(t, uint32(101), a.Objects[1].IOA)
	assert.Equal(t, uint32(102), a.Objects[2].IOA)
	assert.True(t, a.Objects[0].Bool)
	assert.False(t, a.Objects[1].Bool)
	assert.True(t, a.Objects[2].Bool)
}

func TestDecodeScaledMeasurement(t *testing.T) {
	sizes := DefaultSizes()
	body := []byte{byte(MMeNb), 1, byte(CotPeriodic), 0, 1, 0}
	body = append(body, 5, 0, 0)
	body = append(body, 0xFE, 0xFF) // -2 little-endian
	body = append(body, 0)          // QDS

	a, err := Decode(body, sizes)
	require.NoError(t, err)
	require.Len(t, a.Objects, 1)
	assert.Equal(t, -2.0, a.Objects[0].Value)
}

func TestDecodeNegativeConfirmation(t *testing.T) {
	sizes := DefaultSizes()
	body := []byte{byte(CScNa), 1, byte(CotActivationCon) | 0x40, 0, 1, 0}
	body = append(body, 9, 0, 0)
	body = append(body, 1)

	a, err := Decode(body, sizes)
	require.NoError(t, err)
	assert.True(t, a.Negative)
	assert.Equal(t, CotActivationCon, a.Cause)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{byte(MMeNc), 1}, DefaultSizes())
	assert.Error(t, err)

	body := []byte{byte(MMeNc), 1, byte(CotSpontaneous), 0, 1, 0, 0x01, 0x00, 0x00, 0x00}
	_, err = Decode(body, DefaultSizes())
	assert.Error(t, err)
}

func TestDecodeUnsupportedType(t *testing.T) {
	body := []byte{200, 1, byte(CotSpontaneous), 0, 1, 0}
	_, err := Decode(body, DefaultSizes())
	assert.Error(t, err)
}

func TestEncodeInterrogation(t *testing.T) {
	out := EncodeInterrogation(1, Sizes{CA: 2, IOA: 3})
	assert.Equal(t, []byte{byte(CIcNa), 1, byte(CotActivation), 0, 1, 0, 0, 0, 0, 20}, out)
}

func TestEncodeSingleCommand(t *testing.T) {
	out := EncodeSingleCommand(1, 0x030201, true, Sizes{CA: 2, IOA: 3})
	assert.Equal(t, []byte{byte(CScNa), 1, byte(CotActivation), 0, 1, 0, 0x01, 0x02, 0x03, 1}, out)
}

func TestEncodeSetpointRoundTrip(t *testing.T) {
	sizes := DefaultSizes()
	out := EncodeSetpointFloat(2, 700, 42.25, sizes)
	a, err := Decode(out, sizes)
	require.NoError(t, err)
	assert.Equal(t, CSeNc, a.Type)
	assert.Equal(t, uint16(2), a.CA)
	require.Len(t, a.Objects, 1)
	assert.Equal(t, uint32(700), a.Objects[0].IOA)
	assert.InDelta(t, 42.25, a.Objects[0].Value, 1e-6)
}
