package iec104

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/transport"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// simServer is an in-memory IEC-104 controlled station.
type simServer struct {
	sizes   Sizes
	sendSeq uint16
	recvSeq uint16
	pending []byte
	started bool
}

func (s *simServer) Write(ctx context.Context, buf []byte) (int, error) {
	apci, asduLen, err := DecodeAPCI(buf[:apciLen])
	if err != nil {
		return 0, err
	}
	switch apci.Kind {
	case UFrame:
		if apci.UControl == UStartDTAct {
			s.started = true
			s.pending = append(s.pending, EncodeU(UStartDTCon)...)
		}
	case IFrame:
		s.recvSeq = nextSeq(apci.SendSeq)
		asdu := buf[apciLen : apciLen+asduLen]
		a, err := Decode(asdu, s.sizes)
		if err != nil {
			return 0, err
		}
		switch a.Type {
		case CIcNa:
			// Activation confirmation, then one interrogated measurement.
			con := append([]byte{}, asdu...)
			con[2] = byte(CotActivationCon)
			s.queueI(con)
			s.queueI(s.measurement(0x0102, 250.0, CotInterrogated))
		case CScNa, CSeNc:
			con := append([]byte{}, asdu...)
			con[2] = byte(CotActivationCon)
			s.queueI(con)
		}
	}
	return len(buf), nil
}

func (s *simServer) measurement(ioa uint32, value float64, cot COT) []byte {
	body := []byte{byte(MMeNc), 1, byte(cot), 0, 1, 0}
	body = append(body, encodeIOA(ioa, s.sizes.IOA)...)
	var fb [4]byte
	binary.LittleEndian.PutUint32(fb[:], math.Float32bits(float32(value)))
	body = append(body, fb[:]...)
	return append(body, 0)
}

func (s *simServer) queueI(asdu []byte) {
	s.pending = append(s.pending, EncodeI(s.sendSeq, s.recvSeq, asdu)...)
	s.sendSeq = nextSeq(s.sendSeq)
}

func (s *simServer) Read(ctx context.Context, buf []byte) (int, error) {
	if len(s.pending) == 0 {
		return 0, context.DeadlineExceeded
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *simServer) Close() error { return nil }

type simDialer struct{ srv *simServer }

func (d *simDialer) Dial(ctx context.Context) (transport.Conn, error) { return d.srv, nil }

func newTestDriver(t *testing.T) (*Driver, *simServer) {
	t.Helper()
	sizes := Sizes{CA: 2, IOA: 3}
	srv := &simServer{sizes: sizes}
	d := NewWithDialer(protocol.Params{RequestTimeoutMs: 200}, sizes, &simDialer{srv: srv}, logging.Noop())

	table, err := points.NewTable([]*points.Point{
		{
			ChannelID: 50, ID: 1001, Kind: rtdb.Telemetry,
			Address:  points.Address{IEC104: &points.IECAddress{CommonAddress: 1, IOA: 0x0102, TypeID: uint8(MMeNc)}},
			DataType: points.TypeFloat32,
			Scale:    0.1,
		},
		{
			ChannelID: 50, ID: 3001, Kind: rtdb.Control,
			Address:  points.Address{IEC104: &points.IECAddress{CommonAddress: 1, IOA: 0x0900, TypeID: uint8(CScNa)}},
			DataType: points.TypeBool,
		},
	})
	require.NoError(t, err)
	d.LoadPoints(table)
	return d, srv
}

func TestStartupHandshakeAndInterrogation(t *testing.T) {
	d, srv := newTestDriver(t)
	require.NoError(t, d.Connect(context.Background()))
	assert.True(t, srv.started)

	var got []rtdb.Value
	err := d.Poll(context.Background(), func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		assert.Equal(t, rtdb.Telemetry, kind)
		assert.Equal(t, uint32(1001), id)
		got = append(got, v)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Raw 250.0 with scale 0.1.
	assert.InDelta(t, 25.0, got[0].AsFloat(), 1e-6)
}

func TestExecuteSingleCommand(t *testing.T) {
	d, _ := newTestDriver(t)
	require.NoError(t, d.Connect(context.Background()))

	err := d.Execute(context.Background(), protocol.Command{
		ID: "c1", Kind: rtdb.Control, PointID: 3001, Value: rtdb.BoolValue(true),
	})
	require.NoError(t, err)
}

func TestSequenceMismatchIsFatal(t *testing.T) {
	d, srv := newTestDriver(t)
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Poll(context.Background(), func(rtdb.PointKind, uint32, rtdb.Value) {}))

	// Server skips ahead: the next I-frame arrives with a send sequence the
	// client does not expect.
	srv.sendSeq = nextSeq(nextSeq(srv.sendSeq))
	srv.queueI(srv.measurement(0x0102, 1.0, CotSpontaneous))

	err := d.Poll(context.Background(), func(rtdb.PointKind, uint32, rtdb.Value) {})
	var se *protocol.SessionError
	require.ErrorAs(t, err, &se)
}

func TestUnknownPointExecute(t *testing.T) {
	d, _ := newTestDriver(t)
	require.NoError(t, d.Connect(context.Background()))
	err := d.Execute(context.Background(), protocol.Command{
		ID: "x", Kind: rtdb.Adjustment, PointID: 404, Value: rtdb.FloatValue(1),
	})
	var re *protocol.RequestError
	require.ErrorAs(t, err, &re)
}
