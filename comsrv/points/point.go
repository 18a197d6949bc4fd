package points

import (
	"fmt"

	"github.com/voltgrid/voltgrid/rtdb"
)

// DataType is the physical type of a point on the wire.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt8    DataType = "int8"
	TypeUint8   DataType = "uint8"
	TypeInt16   DataType = "int16"
	TypeUint16  DataType = "uint16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeInt64   DataType = "int64"
	TypeUint64  DataType = "uint64"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeString  DataType = "string"
)

// Width returns the encoded width in bytes; strings report 0 (variable).
func (t DataType) Width() int {
	switch t {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	}
	return 0
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	return t.Width() > 0 || t == TypeString
}

// Signed reports whether t is a signed integer type.
func (t DataType) Signed() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// Point is one configured datum on a channel. Identity is
// (channel_id, kind, point_id).
type Point struct {
	ChannelID uint16
	ID        uint32
	Name      string
	Kind      rtdb.PointKind
	Address   Address
	DataType  DataType
	ByteOrder ByteOrder
	Scale     float64 // 0 means unscaled (treated as 1)
	Offset    float64
	Unit      string
	Min       *float64 // optional range check, engineering units
	Max       *float64
}

// EffectiveScale returns the multiplier, defaulting to 1.
func (p *Point) EffectiveScale() float64 {
	if p.Scale == 0 {
		return 1
	}
	return p.Scale
}

// ToEngineering applies linear scaling to a raw value.
func (p *Point) ToEngineering(raw float64) float64 {
	return raw*p.EffectiveScale() + p.Offset
}

// ToRaw inverts the scaling for writes.
func (p *Point) ToRaw(engineering float64) float64 {
	return (engineering - p.Offset) / p.EffectiveScale()
}

// CheckRange validates an engineering value against the optional bounds.
func (p *Point) CheckRange(v float64) error {
	if p.Min != nil && v < *p.Min {
		return fmt.Errorf("points: %d below range: %v < %v", p.ID, v, *p.Min)
	}
	if p.Max != nil && v > *p.Max {
		return fmt.Errorf("points: %d above range: %v > %v", p.ID, v, *p.Max)
	}
	return nil
}

// Validate checks structural consistency at load time.
func (p *Point) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("points: %d: bad kind %q", p.ID, p.Kind)
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("points: %d: bad data type %q", p.ID, p.DataType)
	}
	if err := p.Address.Validate(); err != nil {
		return fmt.Errorf("points: %d: %w", p.ID, err)
	}
	if p.DataType.Width() > 2 && !p.ByteOrder.ValidFor(p.DataType.Width()) {
		return fmt.Errorf("points: %d: byte order %q invalid for width %d", p.ID, p.ByteOrder, p.DataType.Width())
	}
	return nil
}
