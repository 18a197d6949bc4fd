package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/scheduler"
	"github.com/voltgrid/voltgrid/comsrv/transport"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Driver is the Modbus TCP/RTU polling client for one channel. The owning
// channel task serializes all calls.
type Driver struct {
	params protocol.Params
	rtu    bool
	dialer transport.Dialer
	log    logging.Logger

	conn  transport.Conn
	txID  uint16
	table atomic.Pointer[points.Table]
	sched *scheduler.Schedule
}

// New creates a Modbus driver. rtu selects serial framing.
func New(params protocol.Params, rtu bool, log logging.Logger) *Driver {
	var dialer transport.Dialer
	if rtu {
		dialer = &transport.SerialDialer{
			Device:   params.Device,
			BaudRate: params.BaudRate,
			DataBits: params.DataBits,
			StopBits: params.StopBits,
			Parity:   params.Parity,
			Timeout:  params.RequestTimeout(),
		}
	} else {
		dialer = &transport.TCPDialer{
			Host:           params.Host,
			Port:           params.Port,
			ConnectTimeout: params.ConnectTimeout(),
			IOTimeout:      params.RequestTimeout(),
		}
	}
	d := &Driver{params: params, rtu: rtu, dialer: dialer, log: log}
	d.table.Store(points.Empty())
	d.rebuildSchedule()
	return d
}

// NewWithDialer injects a transport, for tests and simulators.
func NewWithDialer(params protocol.Params, rtu bool, dialer transport.Dialer, log logging.Logger) *Driver {
	d := &Driver{params: params, rtu: rtu, dialer: dialer, log: log}
	d.table.Store(points.Empty())
	d.rebuildSchedule()
	return d
}

// Connect opens the transport. Modbus has no session handshake.
func (d *Driver) Connect(ctx context.Context) error {
	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// Close tears down the transport.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// LoadPoints swaps the point table and rebuilds the batch groupings.
func (d *Driver) LoadPoints(table *points.Table) {
	d.table.Store(table)
	d.rebuildSchedule()
}

func (d *Driver) rebuildSchedule() {
	t := d.table.Load()
	opts := scheduler.Options{
		MaxBatchSize:    d.params.MaxBatchSize,
		MergeGap:        d.params.MergeGap,
		DefaultInterval: d.params.PollingInterval(),
	}
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = scheduler.DefaultOptions().MaxBatchSize
	}
	var all []*points.Point
	for _, kind := range []rtdb.PointKind{rtdb.Telemetry, rtdb.Signal} {
		all = append(all, t.ByKind(kind)...)
	}
	d.sched = scheduler.NewSchedule(scheduler.BuildGroups(all, opts), time.Now())
}

// Poll runs one cycle: every due group is read, decoded, and fed to sink.
// Request-level failures are logged and aggregated into a *RequestError; a
// transport fault returns immediately and is terminal.
func (d *Driver) Poll(ctx context.Context, sink protocol.Sink) error {
	if d.conn == nil {
		return &transport.Error{Op: "poll", Cause: errors.New("not connected")}
	}
	due := d.sched.Due(time.Now())
	var failed int
	for _, g := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.pollGroup(ctx, g, sink); err != nil {
			var te *transport.Error
			if errors.As(err, &te) {
				return err
			}
			failed++
			d.log.Warn("modbus_group_read_failed",
				"slave", g.Key.Slave, "function", g.Key.FunctionCode,
				"start", g.Start, "count", g.Count, "error", err.Error())
		}
	}
	if failed > 0 {
		return &protocol.RequestError{Op: "poll", Cause: fmt.Errorf("%d of %d groups failed", failed, len(due))}
	}
	return nil
}

func (d *Driver) pollGroup(ctx context.Context, g *scheduler.Group, sink protocol.Sink) error {
	pdu := ReadRequest(g.Key.FunctionCode, g.Start, g.Count)
	payload, err := d.request(ctx, g.Key.Slave, pdu)
	if err != nil {
		return err
	}

	bitRead := g.Key.FunctionCode == FuncReadCoils || g.Key.FunctionCode == FuncReadDiscreteInputs
	for _, p := range g.Points {
		offset := int(p.Address.Modbus.Register - g.Start)
		var v rtdb.Value
		var derr error
		if bitRead {
			b, err := points.ExtractBit(payload, uint8(offset))
			if err != nil {
				derr = err
			} else {
				v = rtdb.BoolValue(b)
			}
		} else {
			byteOff := offset * 2
			if byteOff >= len(payload) {
				derr = fmt.Errorf("register %d outside response", p.Address.Modbus.Register)
			} else if p.Address.Modbus.Bit != nil {
				b, err := points.ExtractBit(payload[byteOff:byteOff+2], *p.Address.Modbus.Bit)
				if err != nil {
					derr = err
				} else {
					v = rtdb.BoolValue(b)
				}
			} else {
				v, derr = points.Decode(p, payload[byteOff:])
			}
		}
		if derr != nil {
			d.log.Warn("modbus_point_decode_failed", "point_id", p.ID, "error", derr.Error())
			continue
		}
		sink(p.Kind, p.ID, v)
	}
	return nil
}

// Execute performs one write command.
func (d *Driver) Execute(ctx context.Context, cmd protocol.Command) error {
	if d.conn == nil {
		return &transport.Error{Op: "execute", Cause: errors.New("not connected")}
	}
	t := d.table.Load()
	p, ok := t.Lookup(cmd.Kind, cmd.PointID)
	if !ok || p.Address.Modbus == nil {
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("no %s point %d", cmd.Kind, cmd.PointID)}
	}
	addr := p.Address.Modbus

	var pdu PDU
	switch addr.FunctionCode {
	case FuncWriteSingleCoil, FuncReadCoils:
		pdu = WriteSingleCoilRequest(addr.Register, cmd.Value.AsBool())
	case FuncWriteMultiCoils:
		pdu = WriteMultiCoilsRequest(addr.Register, []bool{cmd.Value.AsBool()})
	default:
		if err := p.CheckRange(cmd.Value.AsFloat()); err != nil {
			return &protocol.RequestError{Op: "execute", Cause: err}
		}
		raw, err := points.Encode(p, cmd.Value)
		if err != nil {
			return &protocol.RequestError{Op: "execute", Cause: err}
		}
		if len(raw) == 1 {
			raw = []byte{0, raw[0]}
		}
		if len(raw) == 2 && addr.FunctionCode != FuncWriteMultiRegs {
			pdu = WriteSingleRegisterRequest(addr.Register, uint16(raw[0])<<8|uint16(raw[1]))
		} else {
			pdu, err = WriteMultiRegistersRequest(addr.Register, raw)
			if err != nil {
				return &protocol.RequestError{Op: "execute", Cause: err}
			}
		}
	}

	_, err := d.request(ctx, addr.Slave, pdu)
	return err
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// request sends one PDU and reads the matching response, retrying timeouts
// within the per-request budget. Exceptions are returned without retry.
func (d *Driver) request(ctx context.Context, unit uint8, pdu PDU) ([]byte, error) {
	retries := d.params.Retries()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.params.RetryDelay()):
			}
		}
		payload, err := d.requestOnce(ctx, unit, pdu)
		if err == nil {
			return payload, nil
		}
		var te *transport.Error
		var ee *ExceptionError
		switch {
		case errors.As(err, &te):
			return nil, err // terminal, no in-place retry
		case errors.As(err, &ee):
			return nil, &protocol.RequestError{Op: "request", Cause: err}
		case errors.Is(err, context.DeadlineExceeded):
			lastErr = err // timeout is the signal to retry inside the budget
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			lastErr = err
		}
	}
	return nil, &protocol.RequestError{Op: "request", Cause: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func (d *Driver) requestOnce(ctx context.Context, unit uint8, pdu PDU) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.params.RequestTimeout())
	defer cancel()

	if d.rtu {
		return d.requestRTU(reqCtx, unit, pdu)
	}
	return d.requestTCP(reqCtx, unit, pdu)
}

func (d *Driver) requestTCP(ctx context.Context, unit uint8, pdu PDU) ([]byte, error) {
	d.txID++
	frame := EncodeTCP(d.txID, unit, pdu)
	if _, err := d.conn.Write(ctx, frame); err != nil {
		return nil, err
	}

	header := make([]byte, mbapHeaderLen)
	if err := d.readFull(ctx, header); err != nil {
		return nil, err
	}
	length := int(uint16(header[4])<<8 | uint16(header[5]))
	if length < 2 || length > 256 {
		return nil, &transport.Error{Op: "read", Cause: fmt.Errorf("bad mbap length %d", length)}
	}
	rest := make([]byte, length-1)
	if err := d.readFull(ctx, rest); err != nil {
		return nil, err
	}
	txID, _, resp, err := DecodeTCP(append(header, rest...))
	if err != nil {
		return nil, &transport.Error{Op: "decode", Cause: err}
	}
	if txID != d.txID {
		return nil, &transport.Error{Op: "decode", Cause: fmt.Errorf("transaction id mismatch: got %d want %d", txID, d.txID)}
	}
	return ParseResponse(pdu.Function, resp)
}

func (d *Driver) requestRTU(ctx context.Context, unit uint8, pdu PDU) ([]byte, error) {
	frame := EncodeRTU(unit, pdu)
	if _, err := d.conn.Write(ctx, frame); err != nil {
		return nil, err
	}

	// Read unit + function first, then the remainder once its length is
	// known. The serial transport's silence timeout bounds each read.
	head := make([]byte, 3)
	if err := d.readFull(ctx, head[:2]); err != nil {
		return nil, err
	}
	var total int
	switch {
	case head[1] == pdu.Function|exceptionFlag:
		total = 5 // unit fc code crc2
	case head[1] == FuncReadCoils, head[1] == FuncReadDiscreteInputs, head[1] == FuncReadHolding, head[1] == FuncReadInput:
		if err := d.readFull(ctx, head[2:3]); err != nil {
			return nil, err
		}
		total = 3 + int(head[2]) + 2
	default:
		total = 8 // write echo: unit fc addr2 val2 crc2
	}

	full := make([]byte, total)
	n := 2
	if total >= 3 && head[1]&exceptionFlag == 0 && isReadFunc(head[1]) {
		n = 3
	}
	copy(full, head[:n])
	if err := d.readFull(ctx, full[n:]); err != nil {
		return nil, err
	}
	_, resp, err := DecodeRTU(full)
	if err != nil {
		return nil, &transport.Error{Op: "decode", Cause: err}
	}
	return ParseResponse(pdu.Function, resp)
}

func isReadFunc(fc uint8) bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHolding, FuncReadInput:
		return true
	}
	return false
}

func (d *Driver) readFull(ctx context.Context, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := d.conn.Read(ctx, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return &transport.Error{Op: "read", Cause: errors.New("connection closed")}
		}
		got += n
	}
	return nil
}
