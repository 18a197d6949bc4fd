// Package points maps channel point ids to protocol addresses and owns the
// raw-byte codec: width, sign, byte order, and linear scaling.
package points

import (
	"encoding/json"
	"fmt"
)

// ModbusAddress locates a point on a Modbus slave.
type ModbusAddress struct {
	Slave        uint8  `json:"slave"`
	FunctionCode uint8  `json:"function_code"`
	Register     uint16 `json:"register"`
	Bit          *uint8 `json:"bit,omitempty"` // bit within the register, for packed signals
}

// CANAddress locates a point inside a CAN frame payload.
type CANAddress struct {
	CANID     uint32 `json:"can_id"`
	StartByte uint8  `json:"start_byte"`
	Length    uint8  `json:"length"`
	Bit       *uint8 `json:"bit,omitempty"`
}

// IECAddress locates a point in the IEC-60870-5-104 address space.
type IECAddress struct {
	CommonAddress uint16 `json:"ca"`
	IOA           uint32 `json:"ioa"`
	TypeID        uint8  `json:"type_id"`
}

// VirtualAddress names a point on the virtual protocol.
type VirtualAddress struct {
	Address string `json:"address_string"`
}

// Address is the tagged union of protocol addresses. Exactly one arm is set.
type Address struct {
	Modbus  *ModbusAddress  `json:"modbus,omitempty"`
	CAN     *CANAddress     `json:"can,omitempty"`
	IEC104  *IECAddress     `json:"iec104,omitempty"`
	Virtual *VirtualAddress `json:"virtual,omitempty"`
}

// Validate checks that exactly one arm is populated.
func (a Address) Validate() error {
	n := 0
	if a.Modbus != nil {
		n++
	}
	if a.CAN != nil {
		n++
	}
	if a.IEC104 != nil {
		n++
	}
	if a.Virtual != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("points: address must have exactly one protocol arm, got %d", n)
	}
	return nil
}

// ParseAddress decodes the JSON form stored in configuration.
func ParseAddress(raw string) (Address, error) {
	var a Address
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Address{}, fmt.Errorf("points: bad address %q: %w", raw, err)
	}
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	return a, nil
}

// Encode renders the JSON form.
func (a Address) Encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("points: encode address: %w", err)
	}
	return string(b), nil
}
