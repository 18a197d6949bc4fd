package virtualproto

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

func vp(kind rtdb.PointKind, id uint32) *points.Point {
	dt := points.TypeFloat64
	if kind == rtdb.Signal || kind == rtdb.Control {
		dt = points.TypeBool
	}
	return &points.Point{
		ChannelID: 9, ID: id, Kind: kind,
		Address:  points.Address{Virtual: &points.VirtualAddress{Address: "v"}},
		DataType: dt,
	}
}

func newDriver(t *testing.T, pts ...*points.Point) *Driver {
	t.Helper()
	d := New(protocol.Params{}, logging.Noop())
	table, err := points.NewTable(pts)
	require.NoError(t, err)
	d.LoadPoints(table)
	require.NoError(t, d.Connect(context.Background()))
	return d
}

func TestPollIsDeterministic(t *testing.T) {
	a := newDriver(t, vp(rtdb.Telemetry, 1), vp(rtdb.Signal, 2))
	b := newDriver(t, vp(rtdb.Telemetry, 1), vp(rtdb.Signal, 2))

	collect := func(d *Driver) map[uint32]float64 {
		out := map[uint32]float64{}
		require.NoError(t, d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
			out[id] = v.AsFloat()
		}))
		return out
	}
	assert.Equal(t, collect(a), collect(b))
}

func TestSignalsRotate(t *testing.T) {
	d := newDriver(t, vp(rtdb.Signal, 4))
	var seq []bool
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
			seq = append(seq, v.AsBool())
		}))
	}
	assert.Equal(t, []bool{true, false, true, false}, seq)
}

func TestExecuteRecordsAndReflects(t *testing.T) {
	d := newDriver(t, vp(rtdb.Control, 10))
	err := d.Execute(context.Background(), protocol.Command{
		ID: "c1", Kind: rtdb.Control, PointID: 10, Value: rtdb.BoolValue(true),
	})
	require.NoError(t, err)

	v, ok := d.Written(rtdb.Control, 10)
	require.True(t, ok)
	assert.True(t, v.AsBool())

	// The write reads back on the next poll.
	var got *rtdb.Value
	require.NoError(t, d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		if kind == rtdb.Control && id == 10 {
			got = &v
		}
	}))
	require.NotNil(t, got)
	assert.True(t, got.AsBool())
}

func TestExecuteUnknownPoint(t *testing.T) {
	d := newDriver(t)
	err := d.Execute(context.Background(), protocol.Command{
		ID: "x", Kind: rtdb.Control, PointID: 99, Value: rtdb.BoolValue(true),
	})
	var re *protocol.RequestError
	assert.ErrorAs(t, err, &re)
}

func TestDisconnectedPollFails(t *testing.T) {
	d := New(protocol.Params{}, logging.Noop())
	err := d.Poll(context.Background(), func(rtdb.PointKind, uint32, rtdb.Value) {})
	assert.Error(t, err)
}
