//go:build linux

package canbus

import (
	"context"

	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/transport"
	"github.com/voltgrid/voltgrid/logging"
)

// New creates a CAN driver bound to the configured SocketCAN interface.
func New(params protocol.Params, log logging.Logger) *Driver {
	return NewWithDialer(params, &socketDialer{params: params}, log)
}

type socketDialer struct {
	params protocol.Params
}

func (d *socketDialer) Dial(ctx context.Context) (FrameConn, error) {
	conn, err := (&transport.CANDialer{Interface: d.params.CANInterface}).Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &socketConn{conn: conn}, nil
}

type socketConn struct {
	conn transport.CANConn
}

func (c *socketConn) ReadFrame(ctx context.Context) (Frame, error) {
	f, err := c.conn.ReadFrame(ctx)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: f.ID, Extended: f.Extended, Len: f.Len, Data: f.Data}, nil
}

func (c *socketConn) WriteFrame(ctx context.Context, f Frame) error {
	return c.conn.WriteFrame(ctx, transport.CANFrame{ID: f.ID, Extended: f.Extended, Len: f.Len, Data: f.Data})
}

func (c *socketConn) Close() error { return c.conn.Close() }
