package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestEncoding(t *testing.T) {
	pdu := ReadRequest(FuncReadHolding, 1000, 2)
	assert.Equal(t, FuncReadHolding, pdu.Function)
	assert.Equal(t, []byte{0x03, 0xE8, 0x00, 0x02}, pdu.Data)
}

func TestTCPFrameRoundTrip(t *testing.T) {
	pdu := ReadRequest(FuncReadHolding, 100, 4)
	frame := EncodeTCP(42, 1, pdu)

	txID, unit, got, err := DecodeTCP(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), txID)
	assert.Equal(t, uint8(1), unit)
	assert.Equal(t, pdu.Function, got.Function)
	assert.Equal(t, pdu.Data, got.Data)
}

func TestDecodeTCPRejectsBadProtocolID(t *testing.T) {
	frame := EncodeTCP(1, 1, ReadRequest(3, 0, 1))
	frame[2] = 0xFF
	_, _, _, err := DecodeTCP(frame)
	assert.Error(t, err)
}

func TestRTUFrameRoundTrip(t *testing.T) {
	pdu := WriteSingleRegisterRequest(3000, 0xBEEF)
	frame := EncodeRTU(9, pdu)

	unit, got, err := DecodeRTU(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), unit)
	assert.Equal(t, pdu.Function, got.Function)
	assert.Equal(t, pdu.Data, got.Data)
}

func TestDecodeRTURejectsBadCRC(t *testing.T) {
	frame := EncodeRTU(1, ReadRequest(3, 0, 1))
	frame[len(frame)-1] ^= 0xFF
	_, _, err := DecodeRTU(frame)
	assert.Error(t, err)
}

func TestCRC16KnownVector(t *testing.T) {
	// 01 03 00 00 00 01 -> CRC 0x0A84 (low byte first on the wire: 84 0A).
	crc := CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, uint16(0x0A84), crc)
}

func TestParseResponseException(t *testing.T) {
	_, err := ParseResponse(FuncReadHolding, PDU{Function: FuncReadHolding | 0x80, Data: []byte{0x02}})
	require.Error(t, err)
	var ee *ExceptionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, uint8(0x02), ee.Code)
}

func TestParseResponseReadPayload(t *testing.T) {
	payload, err := ParseResponse(FuncReadHolding, PDU{Function: FuncReadHolding, Data: []byte{4, 0xDE, 0xAD, 0xBE, 0xEF}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, payload)
}

func TestParseResponseFunctionMismatch(t *testing.T) {
	_, err := ParseResponse(FuncReadHolding, PDU{Function: FuncReadInput, Data: []byte{2, 0, 0}})
	assert.Error(t, err)
}

func TestWriteSingleCoilEncoding(t *testing.T) {
	on := WriteSingleCoilRequest(3000, true)
	assert.Equal(t, []byte{0x0B, 0xB8, 0xFF, 0x00}, on.Data)
	off := WriteSingleCoilRequest(3000, false)
	assert.Equal(t, []byte{0x0B, 0xB8, 0x00, 0x00}, off.Data)
}

func TestWriteMultiRegistersEncoding(t *testing.T) {
	pdu, err := WriteMultiRegistersRequest(10, []byte{0x43, 0x7A, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x02, 0x04, 0x43, 0x7A, 0x00, 0x00}, pdu.Data)

	_, err = WriteMultiRegistersRequest(10, []byte{0x01})
	assert.Error(t, err)
}

func TestWriteMultiCoilsEncoding(t *testing.T) {
	pdu := WriteMultiCoilsRequest(0, []bool{true, false, true})
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x05}, pdu.Data)
}
