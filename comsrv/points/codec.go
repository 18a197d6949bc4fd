package points

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/voltgrid/voltgrid/rtdb"
)

// ByteOrder names the wire byte layout of a multi-byte value relative to the
// canonical big-endian sequence A,B,C,D(,E,F,G,H).
type ByteOrder string

const (
	OrderABCD ByteOrder = "ABCD" // big-endian
	OrderDCBA ByteOrder = "DCBA" // little-endian
	OrderBADC ByteOrder = "BADC" // big-endian, bytes swapped within 16-bit words
	OrderCDAB ByteOrder = "CDAB" // big-endian, 16-bit words reversed

	Order8ABCDEFGH ByteOrder = "ABCDEFGH"
	Order8HGFEDCBA ByteOrder = "HGFEDCBA"
	Order8BADCFEHG ByteOrder = "BADCFEHG"
	Order8GHEFCDAB ByteOrder = "GHEFCDAB"
)

// layout is the width-independent transform a ByteOrder names.
type layout int

const (
	layoutBigEndian layout = iota
	layoutLittleEndian
	layoutByteSwapped // swap bytes within each 16-bit word
	layoutWordSwapped // reverse the order of 16-bit words
)

func (o ByteOrder) layout() (layout, bool) {
	switch o {
	case "", OrderABCD, Order8ABCDEFGH:
		return layoutBigEndian, true
	case OrderDCBA, Order8HGFEDCBA:
		return layoutLittleEndian, true
	case OrderBADC, Order8BADCFEHG:
		return layoutByteSwapped, true
	case OrderCDAB, Order8GHEFCDAB:
		return layoutWordSwapped, true
	}
	return 0, false
}

// ValidFor reports whether the order names a layout for the given width.
// One- and two-byte values carry no meaningful order.
func (o ByteOrder) ValidFor(width int) bool {
	if _, ok := o.layout(); !ok {
		return false
	}
	if width == 8 {
		return true
	}
	// 4-letter and empty names apply to 32-bit; 8-letter spellings do not.
	return len(o) <= 4
}

// permute maps between wire order and canonical big-endian. The transforms
// are involutions, so the same permutation works both directions.
func permute(data []byte, o ByteOrder) []byte {
	l, ok := o.layout()
	if !ok {
		l = layoutBigEndian
	}
	w := len(data)
	out := make([]byte, w)
	switch l {
	case layoutBigEndian:
		copy(out, data)
	case layoutLittleEndian:
		for i := 0; i < w; i++ {
			out[i] = data[w-1-i]
		}
	case layoutByteSwapped:
		copy(out, data)
		for i := 0; i+1 < w; i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	case layoutWordSwapped:
		for i := 0; i+1 < w; i += 2 {
			out[w-2-i] = data[i]
			out[w-1-i] = data[i+1]
		}
		if w%2 == 1 {
			out[w-1] = data[w-1]
		}
	}
	return out
}

// =============================================================================
// DECODE / ENCODE
// =============================================================================

// Decode converts raw wire bytes into an engineering value. Scaling applies
// after the raw decode: engineering = raw*scale + offset.
func Decode(p *Point, data []byte) (rtdb.Value, error) {
	if p.DataType == TypeString {
		return rtdb.Value{}, fmt.Errorf("points: %d: string points are not numeric-decodable", p.ID)
	}
	w := p.DataType.Width()
	if len(data) < w {
		return rtdb.Value{}, fmt.Errorf("points: %d: need %d bytes, got %d", p.ID, w, len(data))
	}
	be := permute(data[:w], p.ByteOrder)

	var raw float64
	switch p.DataType {
	case TypeBool:
		return rtdb.BoolValue(be[0] != 0), nil
	case TypeUint8:
		raw = float64(be[0])
	case TypeInt8:
		raw = float64(int8(be[0]))
	case TypeUint16:
		raw = float64(binary.BigEndian.Uint16(be))
	case TypeInt16:
		raw = float64(int16(binary.BigEndian.Uint16(be)))
	case TypeUint32:
		raw = float64(binary.BigEndian.Uint32(be))
	case TypeInt32:
		raw = float64(int32(binary.BigEndian.Uint32(be)))
	case TypeUint64:
		raw = float64(binary.BigEndian.Uint64(be))
	case TypeInt64:
		raw = float64(int64(binary.BigEndian.Uint64(be)))
	case TypeFloat32:
		raw = float64(math.Float32frombits(binary.BigEndian.Uint32(be)))
	case TypeFloat64:
		raw = math.Float64frombits(binary.BigEndian.Uint64(be))
	default:
		return rtdb.Value{}, fmt.Errorf("points: %d: bad data type %q", p.ID, p.DataType)
	}

	eng := p.ToEngineering(raw)
	if err := p.CheckRange(eng); err != nil {
		return rtdb.Value{}, err
	}
	return rtdb.FloatValue(eng), nil
}

// Encode converts an engineering value into wire bytes, inverting the
// scaling first.
func Encode(p *Point, v rtdb.Value) ([]byte, error) {
	if p.DataType == TypeBool {
		if v.AsBool() {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	raw := p.ToRaw(v.AsFloat())

	w := p.DataType.Width()
	be := make([]byte, w)
	switch p.DataType {
	case TypeUint8, TypeInt8:
		be[0] = byte(int64(math.Round(raw)))
	case TypeUint16, TypeInt16:
		binary.BigEndian.PutUint16(be, uint16(int64(math.Round(raw))))
	case TypeUint32, TypeInt32:
		binary.BigEndian.PutUint32(be, uint32(int64(math.Round(raw))))
	case TypeUint64, TypeInt64:
		binary.BigEndian.PutUint64(be, uint64(int64(math.Round(raw))))
	case TypeFloat32:
		binary.BigEndian.PutUint32(be, math.Float32bits(float32(raw)))
	case TypeFloat64:
		binary.BigEndian.PutUint64(be, math.Float64bits(raw))
	default:
		return nil, fmt.Errorf("points: %d: bad data type %q", p.ID, p.DataType)
	}
	return permute(be, p.ByteOrder), nil
}

// ExtractBit pulls one bit out of raw data, LSB-first within each byte.
func ExtractBit(data []byte, bit uint8) (bool, error) {
	idx := int(bit) / 8
	if idx >= len(data) {
		return false, fmt.Errorf("points: bit %d outside %d-byte payload", bit, len(data))
	}
	return data[idx]&(1<<(bit%8)) != 0, nil
}
