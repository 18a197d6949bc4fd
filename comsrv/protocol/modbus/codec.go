// Package modbus implements the Modbus TCP and RTU client protocol: PDU
// construction, MBAP/RTU framing, and the polling driver.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Supported function codes.
const (
	FuncReadCoils          uint8 = 1
	FuncReadDiscreteInputs uint8 = 2
	FuncReadHolding        uint8 = 3
	FuncReadInput          uint8 = 4
	FuncWriteSingleCoil    uint8 = 5
	FuncWriteSingleReg     uint8 = 6
	FuncWriteMultiCoils    uint8 = 15
	FuncWriteMultiRegs     uint8 = 16
)

const exceptionFlag = 0x80

// ExceptionError is a Modbus exception response: a per-request failure, not
// a session failure.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: function %d exception 0x%02X", e.Function, e.Code)
}

// PDU is a protocol data unit without framing.
type PDU struct {
	Function uint8
	Data     []byte
}

// =============================================================================
// REQUEST BUILDERS
// =============================================================================

// ReadRequest builds a read PDU for registers or bits.
func ReadRequest(function uint8, start, count uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], count)
	return PDU{Function: function, Data: data}
}

// WriteSingleCoilRequest builds an FC5 PDU. on writes 0xFF00, off 0x0000.
func WriteSingleCoilRequest(register uint16, on bool) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], register)
	if on {
		binary.BigEndian.PutUint16(data[2:4], 0xFF00)
	}
	return PDU{Function: FuncWriteSingleCoil, Data: data}
}

// WriteSingleRegisterRequest builds an FC6 PDU.
func WriteSingleRegisterRequest(register, value uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], register)
	binary.BigEndian.PutUint16(data[2:4], value)
	return PDU{Function: FuncWriteSingleReg, Data: data}
}

// WriteMultiRegistersRequest builds an FC16 PDU from raw register bytes.
func WriteMultiRegistersRequest(start uint16, regBytes []byte) (PDU, error) {
	if len(regBytes) == 0 || len(regBytes)%2 != 0 {
		return PDU{}, fmt.Errorf("modbus: register payload must be a positive even byte count, got %d", len(regBytes))
	}
	count := uint16(len(regBytes) / 2)
	data := make([]byte, 5+len(regBytes))
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], count)
	data[4] = byte(len(regBytes))
	copy(data[5:], regBytes)
	return PDU{Function: FuncWriteMultiRegs, Data: data}, nil
}

// WriteMultiCoilsRequest builds an FC15 PDU.
func WriteMultiCoilsRequest(start uint16, bits []bool) PDU {
	byteCount := (len(bits) + 7) / 8
	data := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(bits)))
	data[4] = byte(byteCount)
	for i, b := range bits {
		if b {
			data[5+i/8] |= 1 << (i % 8)
		}
	}
	return PDU{Function: FuncWriteMultiCoils, Data: data}
}

// ParseResponse validates a response PDU against the request function and
// extracts the payload. Read responses return the data bytes after the byte
// count; write responses return the echoed body.
func ParseResponse(requestFunction uint8, pdu PDU) ([]byte, error) {
	if pdu.Function == requestFunction|exceptionFlag {
		if len(pdu.Data) < 1 {
			return nil, fmt.Errorf("modbus: truncated exception response")
		}
		return nil, &ExceptionError{Function: requestFunction, Code: pdu.Data[0]}
	}
	if pdu.Function != requestFunction {
		return nil, fmt.Errorf("modbus: response function %d does not match request %d", pdu.Function, requestFunction)
	}
	switch requestFunction {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHolding, FuncReadInput:
		if len(pdu.Data) < 1 {
			return nil, fmt.Errorf("modbus: truncated read response")
		}
		count := int(pdu.Data[0])
		if len(pdu.Data) < 1+count {
			return nil, fmt.Errorf("modbus: read response shorter than byte count %d", count)
		}
		return pdu.Data[1 : 1+count], nil
	default:
		return pdu.Data, nil
	}
}

// =============================================================================
// TCP (MBAP) FRAMING
// =============================================================================

const mbapHeaderLen = 7

// EncodeTCP wraps a PDU in an MBAP header.
func EncodeTCP(txID uint16, unit uint8, pdu PDU) []byte {
	frame := make([]byte, mbapHeaderLen+1+len(pdu.Data))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	// protocol id 0 at [2:4]
	binary.BigEndian.PutUint16(frame[4:6], uint16(2+len(pdu.Data)))
	frame[6] = unit
	frame[7] = pdu.Function
	copy(frame[8:], pdu.Data)
	return frame
}

// DecodeTCP parses an MBAP frame, returning the transaction id, unit, and PDU.
func DecodeTCP(frame []byte) (txID uint16, unit uint8, pdu PDU, err error) {
	if len(frame) < mbapHeaderLen+1 {
		return 0, 0, PDU{}, fmt.Errorf("modbus: frame too short: %d bytes", len(frame))
	}
	if proto := binary.BigEndian.Uint16(frame[2:4]); proto != 0 {
		return 0, 0, PDU{}, fmt.Errorf("modbus: bad protocol id %d", proto)
	}
	length := int(binary.BigEndian.Uint16(frame[4:6]))
	if length < 2 || len(frame) < mbapHeaderLen+length-1 {
		return 0, 0, PDU{}, fmt.Errorf("modbus: bad length field %d", length)
	}
	txID = binary.BigEndian.Uint16(frame[0:2])
	unit = frame[6]
	pdu = PDU{Function: frame[7], Data: frame[8 : mbapHeaderLen+length-1]}
	return txID, unit, pdu, nil
}

// =============================================================================
// RTU FRAMING
// =============================================================================

// EncodeRTU wraps a PDU in an RTU frame with CRC16. Inter-frame silence is
// the transport layer's concern.
func EncodeRTU(unit uint8, pdu PDU) []byte {
	frame := make([]byte, 0, 2+len(pdu.Data)+2)
	frame = append(frame, unit, pdu.Function)
	frame = append(frame, pdu.Data...)
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// DecodeRTU validates the CRC and splits an RTU frame.
func DecodeRTU(frame []byte) (unit uint8, pdu PDU, err error) {
	if len(frame) < 4 {
		return 0, PDU{}, fmt.Errorf("modbus: rtu frame too short: %d bytes", len(frame))
	}
	body, tail := frame[:len(frame)-2], frame[len(frame)-2:]
	want := uint16(tail[0]) | uint16(tail[1])<<8
	if got := CRC16(body); got != want {
		return 0, PDU{}, fmt.Errorf("modbus: crc mismatch: got 0x%04X want 0x%04X", got, want)
	}
	return body[0], PDU{Function: body[1], Data: body[2:]}, nil
}

// CRC16 computes the Modbus CRC-16 (poly 0xA001, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
