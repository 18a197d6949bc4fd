package iec104

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TypeID identifies the ASDU payload type. Only the subset exchanged with
// field RTUs in this system is implemented.
type TypeID uint8

const (
	MSpNa TypeID = 1   // single-point information
	MDpNa TypeID = 3   // double-point information
	MMeNa TypeID = 9   // measured value, normalized
	MMeNb TypeID = 11  // measured value, scaled
	MMeNc TypeID = 13  // measured value, short float
	CScNa TypeID = 45  // single command
	CSeNc TypeID = 50  // set point, short float
	CIcNa TypeID = 100 // general interrogation command
)

// COT is the cause of transmission.
type COT uint8

const (
	CotPeriodic      COT = 1
	CotSpontaneous   COT = 3
	CotActivation    COT = 6
	CotActivationCon COT = 7
	CotActTerm       COT = 10
	CotInterrogated  COT = 20
)

// InfoObject is one decoded information object.
type InfoObject struct {
	IOA   uint32
	Value float64
	Bool  bool
	IsSet bool // true for single/double point payloads
}

// ASDU is one decoded application service data unit.
type ASDU struct {
	Type     TypeID
	Sequence bool // SQ: objects share a base IOA
	Count    int
	Test     bool
	Negative bool
	Cause    COT
	CA       uint16
	Objects  []InfoObject
}

// Sizes configures the address widths, fixed per channel.
type Sizes struct {
	CA  int // 1 or 2 octets
	IOA int // 1, 2, or 3 octets
}

// Validate checks the configured widths.
func (s Sizes) Validate() error {
	if s.CA != 1 && s.CA != 2 {
		return fmt.Errorf("iec104: common address size must be 1 or 2, got %d", s.CA)
	}
	if s.IOA < 1 || s.IOA > 3 {
		return fmt.Errorf("iec104: ioa size must be 1..3, got %d", s.IOA)
	}
	return nil
}

// DefaultSizes is the common field profile.
func DefaultSizes() Sizes { return Sizes{CA: 2, IOA: 3} }

func elementWidth(t TypeID) (int, error) {
	switch t {
	case MSpNa, MDpNa:
		return 1, nil
	case MMeNa, MMeNb:
		return 3, nil // value(2) + QDS
	case MMeNc:
		return 5, nil // float(4) + QDS
	case CScNa:
		return 1, nil
	case CSeNc:
		return 5, nil
	case CIcNa:
		return 1, nil // QOI
	}
	return 0, fmt.Errorf("iec104: unsupported type id %d", t)
}

// Decode parses an ASDU body.
func Decode(data []byte, sizes Sizes) (*ASDU, error) {
	// type(1) vsq(1) cot(2: cause + originator) ca(sizes.CA)
	headerLen := 4 + sizes.CA
	if len(data) < headerLen {
		return nil, fmt.Errorf("iec104: asdu too short: %d bytes", len(data))
	}
	a := &ASDU{
		Type:     TypeID(data[0]),
		Sequence: data[1]&0x80 != 0,
		Count:    int(data[1] & 0x7F),
		Test:     data[2]&0x80 != 0,
		Negative: data[2]&0x40 != 0,
		Cause:    COT(data[2] & 0x3F),
	}
	if sizes.CA == 1 {
		a.CA = uint16(data[4])
	} else {
		a.CA = binary.LittleEndian.Uint16(data[4:6])
	}

	width, err := elementWidth(a.Type)
	if err != nil {
		return nil, err
	}

	body := data[headerLen:]
	var baseIOA uint32
	for i := 0; i < a.Count; i++ {
		var ioa uint32
		if a.Sequence && i > 0 {
			ioa = baseIOA + uint32(i)
		} else {
			if len(body) < sizes.IOA {
				return nil, fmt.Errorf("iec104: truncated ioa in object %d", i)
			}
			ioa = decodeIOA(body[:sizes.IOA], sizes.IOA)
			body = body[sizes.IOA:]
			if a.Sequence {
				baseIOA = ioa
			}
		}
		if len(body) < width {
			return nil, fmt.Errorf("iec104: truncated element in object %d", i)
		}
		obj := InfoObject{IOA: ioa}
		switch a.Type {
		case MSpNa:
			obj.Bool = body[0]&0x01 != 0
			obj.IsSet = true
		case MDpNa:
			obj.Bool = body[0]&0x03 == 0x02 // DPI: 2 = on
			obj.IsSet = true
		case MMeNa:
			obj.Value = float64(int16(binary.LittleEndian.Uint16(body[0:2]))) / 32768.0
		case MMeNb:
			obj.Value = float64(int16(binary.LittleEndian.Uint16(body[0:2])))
		case MMeNc:
			obj.Value = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[0:4])))
		case CScNa:
			obj.Bool = body[0]&0x01 != 0
			obj.IsSet = true
		case CSeNc:
			obj.Value = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[0:4])))
		case CIcNa:
			obj.Value = float64(body[0])
		}
		body = body[width:]
		a.Objects = append(a.Objects, obj)
	}
	return a, nil
}

func decodeIOA(b []byte, size int) uint32 {
	var ioa uint32
	for i := 0; i < size; i++ {
		ioa |= uint32(b[i]) << (8 * i)
	}
	return ioa
}

func encodeIOA(ioa uint32, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = byte(ioa >> (8 * i))
	}
	return out
}

// =============================================================================
// ENCODERS (client to server)
// =============================================================================

func header(t TypeID, cause COT, ca uint16, sizes Sizes) []byte {
	out := []byte{byte(t), 1, byte(cause), 0}
	if sizes.CA == 1 {
		out = append(out, byte(ca))
	} else {
		out = append(out, byte(ca), byte(ca>>8))
	}
	return out
}

// EncodeInterrogation builds a general interrogation (QOI 20 = station).
func EncodeInterrogation(ca uint16, sizes Sizes) []byte {
	out := header(CIcNa, CotActivation, ca, sizes)
	out = append(out, encodeIOA(0, sizes.IOA)...)
	return append(out, 20)
}

// EncodeSingleCommand builds a C_SC_NA_1 activation.
func EncodeSingleCommand(ca uint16, ioa uint32, on bool, sizes Sizes) []byte {
	out := header(CScNa, CotActivation, ca, sizes)
	out = append(out, encodeIOA(ioa, sizes.IOA)...)
	sco := byte(0)
	if on {
		sco = 1
	}
	return append(out, sco)
}

// EncodeSetpointFloat builds a C_SE_NC_1 activation.
func EncodeSetpointFloat(ca uint16, ioa uint32, value float64, sizes Sizes) []byte {
	out := header(CSeNc, CotActivation, ca, sizes)
	out = append(out, encodeIOA(ioa, sizes.IOA)...)
	var fb [4]byte
	binary.LittleEndian.PutUint32(fb[:], math.Float32bits(float32(value)))
	out = append(out, fb[:]...)
	return append(out, 0) // QOS
}
