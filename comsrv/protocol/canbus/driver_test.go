package canbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

type fakeBus struct {
	frames []Frame
	sent   []Frame
}

func (b *fakeBus) ReadFrame(ctx context.Context) (Frame, error) {
	if len(b.frames) == 0 {
		return Frame{}, context.DeadlineExceeded
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, nil
}

func (b *fakeBus) WriteFrame(ctx context.Context, f Frame) error {
	b.sent = append(b.sent, f)
	return nil
}

func (b *fakeBus) Close() error { return nil }

type fakeDialer struct{ bus *fakeBus }

func (d *fakeDialer) Dial(ctx context.Context) (FrameConn, error) { return d.bus, nil }

func bit(n uint8) *uint8 { return &n }

func newDriver(t *testing.T, bus *fakeBus, params protocol.Params, pts []*points.Point) *Driver {
	t.Helper()
	d := NewWithDialer(params, &fakeDialer{bus: bus}, logging.Noop())
	table, err := points.NewTable(pts)
	require.NoError(t, err)
	d.LoadPoints(table)
	require.NoError(t, d.Connect(context.Background()))
	return d
}

func testPoints() []*points.Point {
	return []*points.Point{
		{
			ChannelID: 7, ID: 100, Kind: rtdb.Telemetry,
			Address:  points.Address{CAN: &points.CANAddress{CANID: 0x100, StartByte: 0, Length: 2}},
			DataType: points.TypeUint16, Scale: 0.5,
		},
		{
			ChannelID: 7, ID: 200, Kind: rtdb.Signal,
			Address:  points.Address{CAN: &points.CANAddress{CANID: 0x100, StartByte: 2, Length: 1, Bit: bit(3)}},
			DataType: points.TypeBool,
		},
	}
}

func TestPollServesLastKnownValue(t *testing.T) {
	bus := &fakeBus{}
	d := newDriver(t, bus, protocol.Params{}, testPoints())

	// Two frames for the same id: last value wins.
	bus.frames = []Frame{
		{ID: 0x100, Len: 3, Data: [8]byte{0x00, 0x10, 0x00}},
		{ID: 0x100, Len: 3, Data: [8]byte{0x00, 0x64, 0b00001000}},
	}

	vals := map[uint32]rtdb.Value{}
	err := d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		vals[id] = v
	})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.InDelta(t, 50.0, vals[100].AsFloat(), 1e-9) // 100 * 0.5
	assert.True(t, vals[200].AsBool())

	// No new frames: the accumulated values are still served.
	vals = map[uint32]rtdb.Value{}
	require.NoError(t, d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		vals[id] = v
	}))
	assert.Len(t, vals, 2)
}

func TestPollFilterRejectsForeignIDs(t *testing.T) {
	bus := &fakeBus{}
	params := protocol.Params{CANFilterID: 0x100, CANFilterMask: 0x700}
	d := newDriver(t, bus, params, testPoints())

	bus.frames = []Frame{
		{ID: 0x200, Len: 3, Data: [8]byte{0x00, 0x01, 0x00}}, // filtered out
		{ID: 0x100, Len: 3, Data: [8]byte{0x00, 0x02, 0x00}},
	}
	vals := map[uint32]rtdb.Value{}
	require.NoError(t, d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		vals[id] = v
	}))
	assert.InDelta(t, 1.0, vals[100].AsFloat(), 1e-9) // 2 * 0.5
}

func TestShortFrameIgnored(t *testing.T) {
	bus := &fakeBus{}
	d := newDriver(t, bus, protocol.Params{}, testPoints())
	bus.frames = []Frame{{ID: 0x100, Len: 1, Data: [8]byte{0xFF}}}

	count := 0
	require.NoError(t, d.Poll(context.Background(), func(rtdb.PointKind, uint32, rtdb.Value) { count++ }))
	assert.Zero(t, count)
}

func TestExecuteWritesFrame(t *testing.T) {
	bus := &fakeBus{}
	pts := append(testPoints(), &points.Point{
		ChannelID: 7, ID: 300, Kind: rtdb.Adjustment,
		Address:  points.Address{CAN: &points.CANAddress{CANID: 0x1FFF0000, StartByte: 0, Length: 2}},
		DataType: points.TypeUint16,
	})
	d := newDriver(t, bus, protocol.Params{}, pts)

	err := d.Execute(context.Background(), protocol.Command{
		ID: "a1", Kind: rtdb.Adjustment, PointID: 300, Value: rtdb.FloatValue(0x1234),
	})
	require.NoError(t, err)
	require.Len(t, bus.sent, 1)
	assert.Equal(t, uint32(0x1FFF0000), bus.sent[0].ID)
	assert.True(t, bus.sent[0].Extended)
	assert.Equal(t, [8]byte{0x12, 0x34}, bus.sent[0].Data)
}

func TestLoadPointsDropsStaleValues(t *testing.T) {
	bus := &fakeBus{}
	d := newDriver(t, bus, protocol.Params{}, testPoints())
	bus.frames = []Frame{{ID: 0x100, Len: 3, Data: [8]byte{0x00, 0x64, 0x08}}}
	require.NoError(t, d.Poll(context.Background(), func(rtdb.PointKind, uint32, rtdb.Value) {}))

	// Reload with only the telemetry point; the signal's last value is gone.
	table, err := points.NewTable(testPoints()[:1])
	require.NoError(t, err)
	d.LoadPoints(table)

	vals := map[uint32]rtdb.Value{}
	require.NoError(t, d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		vals[id] = v
	}))
	assert.Contains(t, vals, uint32(100))
	assert.NotContains(t, vals, uint32(200))
}
