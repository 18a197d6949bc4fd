// Package canbus implements the CAN protocol channel. CAN has no
// request/response round trip: the channel passively accumulates frames and
// serves the last known value per point on each poll cycle.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/transport"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Frame is one classic CAN frame.
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [8]byte
}

// FrameConn is a frame-oriented endpoint.
type FrameConn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// FrameDialer opens a FrameConn.
type FrameDialer interface {
	Dial(ctx context.Context) (FrameConn, error)
}

// Driver is the CAN channel driver.
type Driver struct {
	params protocol.Params
	dialer FrameDialer
	log    logging.Logger

	conn    FrameConn
	table   atomic.Pointer[points.Table]
	byCANID map[uint32][]*points.Point

	// last holds the most recent decoded value per (kind, point id).
	last map[pointRef]rtdb.Value
}

type pointRef struct {
	kind rtdb.PointKind
	id   uint32
}

// NewWithDialer creates a CAN driver over an injected dialer.
func NewWithDialer(params protocol.Params, dialer FrameDialer, log logging.Logger) *Driver {
	d := &Driver{
		params: params,
		dialer: dialer,
		log:    log,
		last:   make(map[pointRef]rtdb.Value),
	}
	d.table.Store(points.Empty())
	d.rebuildIndex()
	return d
}

// Connect brings the socket up.
func (d *Driver) Connect(ctx context.Context) error {
	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// Close tears down the socket.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// LoadPoints swaps the table and rebuilds the frame index. Accumulated
// values for removed points are discarded.
func (d *Driver) LoadPoints(table *points.Table) {
	d.table.Store(table)
	d.rebuildIndex()
	for ref := range d.last {
		if _, ok := table.Lookup(ref.kind, ref.id); !ok {
			delete(d.last, ref)
		}
	}
}

func (d *Driver) rebuildIndex() {
	t := d.table.Load()
	idx := make(map[uint32][]*points.Point)
	for _, kind := range []rtdb.PointKind{rtdb.Telemetry, rtdb.Signal} {
		for _, p := range t.ByKind(kind) {
			if p.Address.CAN != nil {
				idx[p.Address.CAN.CANID] = append(idx[p.Address.CAN.CANID], p)
			}
		}
	}
	d.byCANID = idx
}

// accept applies the optional (id & mask) filter before decode.
func (d *Driver) accept(id uint32) bool {
	if d.params.CANFilterMask == 0 {
		return true
	}
	return id&d.params.CANFilterMask == d.params.CANFilterID&d.params.CANFilterMask
}

// Poll drains queued frames within a bounded window and serves the last
// known value per configured point.
func (d *Driver) Poll(ctx context.Context, sink protocol.Sink) error {
	if d.conn == nil {
		return &transport.Error{Op: "poll", Cause: errors.New("not connected")}
	}

	window := d.params.PollingInterval() / 4
	if window > 200*time.Millisecond {
		window = 200 * time.Millisecond
	}
	readCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	for {
		f, err := d.conn.ReadFrame(readCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}
		if !d.accept(f.ID) {
			continue
		}
		d.ingest(f)
	}

	for ref, v := range d.last {
		sink(ref.kind, ref.id, v)
	}
	return nil
}

func (d *Driver) ingest(f Frame) {
	for _, p := range d.byCANID[f.ID] {
		addr := p.Address.CAN
		start, length := int(addr.StartByte), int(addr.Length)
		if start+length > int(f.Len) {
			d.log.Debug("can_frame_too_short", "can_id", f.ID, "point_id", p.ID, "frame_len", f.Len)
			continue
		}
		slice := f.Data[start : start+length]

		var v rtdb.Value
		if addr.Bit != nil {
			b, err := points.ExtractBit(slice, *addr.Bit)
			if err != nil {
				continue
			}
			v = rtdb.BoolValue(b)
		} else {
			dec, err := points.Decode(p, slice)
			if err != nil {
				d.log.Warn("can_point_decode_failed", "point_id", p.ID, "error", err.Error())
				continue
			}
			v = dec
		}
		d.last[pointRef{kind: p.Kind, id: p.ID}] = v
	}
}

// Execute writes one frame carrying the encoded point value.
func (d *Driver) Execute(ctx context.Context, cmd protocol.Command) error {
	if d.conn == nil {
		return &transport.Error{Op: "execute", Cause: errors.New("not connected")}
	}
	t := d.table.Load()
	p, ok := t.Lookup(cmd.Kind, cmd.PointID)
	if !ok || p.Address.CAN == nil {
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("no %s point %d", cmd.Kind, cmd.PointID)}
	}
	addr := p.Address.CAN

	raw, err := points.Encode(p, cmd.Value)
	if err != nil {
		return &protocol.RequestError{Op: "execute", Cause: err}
	}
	start := int(addr.StartByte)
	if start+len(raw) > 8 {
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("point %d payload exceeds frame", p.ID)}
	}
	f := Frame{
		ID:       addr.CANID,
		Extended: addr.CANID > 0x7FF,
		Len:      uint8(start + len(raw)),
	}
	copy(f.Data[start:], raw)
	return d.conn.WriteFrame(ctx, f)
}
