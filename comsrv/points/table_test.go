package points

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/rtdb"
)

func tablePoint(kind rtdb.PointKind, id uint32, reg uint16) *Point {
	return &Point{
		ChannelID: 1,
		ID:        id,
		Kind:      kind,
		Address:   Address{Modbus: &ModbusAddress{Slave: 1, FunctionCode: 3, Register: reg}},
		DataType:  TypeUint16,
	}
}

func TestTableLookup(t *testing.T) {
	tab, err := NewTable([]*Point{
		tablePoint(rtdb.Telemetry, 1001, 0),
		tablePoint(rtdb.Signal, 1001, 10), // same id, different kind is legal
		tablePoint(rtdb.Telemetry, 1002, 2),
	})
	require.NoError(t, err)

	p, ok := tab.Lookup(rtdb.Telemetry, 1001)
	require.True(t, ok)
	assert.Equal(t, uint16(0), p.Address.Modbus.Register)

	_, ok = tab.Lookup(rtdb.Control, 1001)
	assert.False(t, ok)

	assert.Equal(t, 3, tab.Len())
}

func TestTableByKindSorted(t *testing.T) {
	tab, err := NewTable([]*Point{
		tablePoint(rtdb.Telemetry, 30, 6),
		tablePoint(rtdb.Telemetry, 10, 2),
		tablePoint(rtdb.Telemetry, 20, 4),
	})
	require.NoError(t, err)

	pts := tab.ByKind(rtdb.Telemetry)
	require.Len(t, pts, 3)
	assert.Equal(t, uint32(10), pts[0].ID)
	assert.Equal(t, uint32(20), pts[1].ID)
	assert.Equal(t, uint32(30), pts[2].ID)
}

func TestTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable([]*Point{
		tablePoint(rtdb.Telemetry, 1, 0),
		tablePoint(rtdb.Telemetry, 1, 2),
	})
	assert.Error(t, err)
}

func TestEmptyTable(t *testing.T) {
	tab := Empty()
	assert.Equal(t, 0, tab.Len())
	assert.Empty(t, tab.ByKind(rtdb.Telemetry))
}

func TestAddressParse(t *testing.T) {
	a, err := ParseAddress(`{"modbus":{"slave":1,"function_code":3,"register":1000}}`)
	require.NoError(t, err)
	require.NotNil(t, a.Modbus)
	assert.Equal(t, uint16(1000), a.Modbus.Register)

	_, err = ParseAddress(`{}`)
	assert.Error(t, err)

	_, err = ParseAddress(`{"modbus":{"slave":1},"can":{"can_id":1}}`)
	assert.Error(t, err)
}
