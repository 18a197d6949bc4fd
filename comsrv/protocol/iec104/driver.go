package iec104

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

// Default timer values per the companion standard.
const (
	defaultT1 = 15 * time.Second
	defaultT2 = 10 * time.Second
	defaultT3 = 20 * time.Second
	defaultK  = 8
)

type delivery struct {
	kind  rtdb.PointKind
	id    uint32
	value rtdb.Value
}

// Driver is the IEC-60870-5-104 client session for one channel.
type Driver struct {
	params protocol.Params
	sizes  Sizes
	dialer transport.Dialer
	log    logging.Logger

	conn transport.Conn

	sendSeq uint16
	recvSeq uint16
	unacked int // received I-frames not yet acknowledged with an S-frame

	lastRx      time.Time
	testPending bool
	testSentAt  time.Time

	table    atomic.Pointer[points.Table]
	ioaIndex map[uint32]*points.Point

	pending []delivery
	giSent  bool
}

// New creates an IEC-104 driver.
func New(params protocol.Params, log logging.Logger) *Driver {
	sizes := Sizes{CA: params.CASize, IOA: params.IOASize}
	if sizes.CA == 0 {
		sizes.CA = DefaultSizes().CA
	}
	if sizes.IOA == 0 {
		sizes.IOA = DefaultSizes().IOA
	}
	d := &Driver{
		params: params,
		sizes:  sizes,
		dialer: &transport.TCPDialer{
			Host:           params.Host,
			Port:           params.Port,
			ConnectTimeout: params.ConnectTimeout(),
			IOTimeout:      params.RequestTimeout(),
		},
		log: log,
	}
	d.table.Store(points.Empty())
	d.rebuildIndex()
	return d
}

// NewWithDialer injects a transport, for tests.
func NewWithDialer(params protocol.Params, sizes Sizes, dialer transport.Dialer, log logging.Logger) *Driver {
	d := &Driver{params: params, sizes: sizes, dialer: dialer, log: log}
	d.table.Store(points.Empty())
	d.rebuildIndex()
	return d
}

func (d *Driver) t1() time.Duration {
	if d.params.T1Seconds > 0 {
		return time.Duration(d.params.T1Seconds) * time.Second
	}
	return defaultT1
}

func (d *Driver) t3() time.Duration {
	if d.params.T3Seconds > 0 {
		return time.Duration(d.params.T3Seconds) * time.Second
	}
	return defaultT3
}

func (d *Driver) k() int {
	if d.params.K > 0 {
		return d.params.K
	}
	return defaultK
}

// LoadPoints swaps the point table and rebuilds the IOA index.
func (d *Driver) LoadPoints(table *points.Table) {
	d.table.Store(table)
	d.rebuildIndex()
}

func (d *Driver) rebuildIndex() {
	t := d.table.Load()
	idx := make(map[uint32]*points.Point)
	for _, kind := range []rtdb.PointKind{rtdb.Telemetry, rtdb.Signal} {
		for _, p := range t.ByKind(kind) {
			if p.Address.IEC104 != nil {
				idx[p.Address.IEC104.IOA] = p
			}
		}
	}
	d.ioaIndex = idx
}

// Connect dials, activates data transfer, and awaits the confirmation.
// Data transfer is not allowed before START_DT_CON.
func (d *Driver) Connect(ctx context.Context) error {
	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	d.conn = conn
	d.sendSeq, d.recvSeq, d.unacked = 0, 0, 0
	d.testPending = false
	d.giSent = false
	d.pending = nil
	d.lastRx = time.Now()

	if _, err := conn.Write(ctx, EncodeU(UStartDTAct)); err != nil {
		d.Close()
		return err
	}

	deadline := time.Now().Add(d.t1())
	for {
		if time.Now().After(deadline) {
			d.Close()
			return &protocol.SessionError{Op: "startdt", Cause: errors.New("no START_DT_CON within t1")}
		}
		frameCtx, cancel := context.WithDeadline(ctx, deadline)
		apci, asdu, err := d.readFrame(frameCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			d.Close()
			return err
		}
		if apci.Kind == UFrame && apci.UControl == UStartDTCon {
			return nil
		}
		// Anything else before activation is a protocol violation.
		if apci.Kind == IFrame {
			d.Close()
			return &protocol.SessionError{Op: "startdt", Cause: errors.New("I-frame before START_DT_CON")}
		}
		_ = asdu
	}
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

// Poll drains pending spontaneous/interrogated data, runs the t1/t3 timers,
// and issues the initial general interrogation.
func (d *Driver) Poll(ctx context.Context, sink protocol.Sink) error {
	if d.conn == nil {
		return &transport.Error{Op: "poll", Cause: errors.New("not connected")}
	}

	if !d.giSent {
		gi := EncodeInterrogation(d.commonAddress(), d.sizes)
		if err := d.sendI(ctx, gi); err != nil {
			return err
		}
		d.giSent = true
	}

	// Idle test: after t3 with no traffic, send TEST_FR_ACT; no confirm
	// within t1 means the peer is dead.
	now := time.Now()
	if d.testPending && now.Sub(d.testSentAt) > d.t1() {
		return &protocol.SessionError{Op: "testfr", Cause: errors.New("no TEST_FR_CON within t1")}
	}
	if !d.testPending && now.Sub(d.lastRx) > d.t3() {
		if _, err := d.conn.Write(ctx, EncodeU(UTestFRAct)); err != nil {
			return err
		}
		d.testPending = true
		d.testSentAt = now
	}

	// Consume whatever the server has queued within a bounded window.
	window := d.params.PollingInterval() / 4
	if window > 250*time.Millisecond {
		window = 250 * time.Millisecond
	}
	readCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	for {
		apci, asdu, err := d.readFrame(readCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}
		if err := d.handleFrame(ctx, apci, asdu); err != nil {
			return err
		}
	}

	for _, dv := range d.pending {
		sink(dv.kind, dv.id, dv.value)
	}
	d.pending = d.pending[:0]
	return nil
}

// Execute sends a command activation and awaits the confirmation.
func (d *Driver) Execute(ctx context.Context, cmd protocol.Command) error {
	if d.conn == nil {
		return &transport.Error{Op: "execute", Cause: errors.New("not connected")}
	}
	t := d.table.Load()
	p, ok := t.Lookup(cmd.Kind, cmd.PointID)
	if !ok || p.Address.IEC104 == nil {
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("no %s point %d", cmd.Kind, cmd.PointID)}
	}
	addr := p.Address.IEC104

	var (
		asdu     []byte
		wantType TypeID
	)
	switch cmd.Kind {
	case rtdb.Control:
		asdu = EncodeSingleCommand(addr.CommonAddress, addr.IOA, cmd.Value.AsBool(), d.sizes)
		wantType = CScNa
	case rtdb.Adjustment:
		asdu = EncodeSetpointFloat(addr.CommonAddress, addr.IOA, p.ToRaw(cmd.Value.AsFloat()), d.sizes)
		wantType = CSeNc
	default:
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("kind %s is not writable", cmd.Kind)}
	}

	if err := d.sendI(ctx, asdu); err != nil {
		return err
	}

	// Await activation confirmation; measurement traffic arriving in the
	// meantime is queued for the next poll.
	deadline := time.Now().Add(d.params.RequestTimeout())
	for time.Now().Before(deadline) {
		frameCtx, cancel := context.WithDeadline(ctx, deadline)
		apci, body, err := d.readFrame(frameCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}
		if apci.Kind != IFrame {
			if err := d.handleFrame(ctx, apci, body); err != nil {
				return err
			}
			continue
		}
		if err := d.acceptI(ctx, apci); err != nil {
			return err
		}
		a, err := Decode(body, d.sizes)
		if err != nil {
			return &protocol.SessionError{Op: "execute", Cause: err}
		}
		if a.Type == wantType && a.Cause == CotActivationCon && len(a.Objects) > 0 && a.Objects[0].IOA == addr.IOA {
			if a.Negative {
				return &protocol.RequestError{Op: "execute", Cause: errors.New("negative activation confirmation")}
			}
			return nil
		}
		d.queueASDU(a)
	}
	return &protocol.RequestError{Op: "execute", Cause: errors.New("no activation confirmation within timeout")}
}

// =============================================================================
// SESSION INTERNALS
// =============================================================================

func (d *Driver) commonAddress() uint16 {
	// All points on one channel share the configured common address; take it
	// from any indexed point, defaulting to 1.
	for _, p := range d.ioaIndex {
		return p.Address.IEC104.CommonAddress
	}
	return 1
}

func (d *Driver) sendI(ctx context.Context, asdu []byte) error {
	frame := EncodeI(d.sendSeq, d.recvSeq, asdu)
	if _, err := d.conn.Write(ctx, frame); err != nil {
		return err
	}
	d.sendSeq = nextSeq(d.sendSeq)
	return nil
}

func (d *Driver) readFrame(ctx context.Context) (APCI, []byte, error) {
	header := make([]byte, apciLen)
	if err := d.readFull(ctx, header[:2]); err != nil {
		return APCI{}, nil, err
	}
	if err := d.readFull(ctx, header[2:]); err != nil {
		return APCI{}, nil, err
	}
	apci, asduLen, err := DecodeAPCI(header)
	if err != nil {
		return APCI{}, nil, &protocol.SessionError{Op: "frame", Cause: err}
	}
	var asdu []byte
	if asduLen > 0 {
		asdu = make([]byte, asduLen)
		if err := d.readFull(ctx, asdu); err != nil {
			return APCI{}, nil, err
		}
	}
	d.lastRx = time.Now()
	return apci, asdu, nil
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

// acceptI validates and accounts one received I-frame. A sequence mismatch
// is fatal to the session.
func (d *Driver) acceptI(ctx context.Context, apci APCI) error {
	if apci.SendSeq != d.recvSeq {
		return &protocol.SessionError{
			Op:    "sequence",
			Cause: fmt.Errorf("got send seq %d, expected %d", apci.SendSeq, d.recvSeq),
		}
	}
	d.recvSeq = nextSeq(d.recvSeq)
	d.unacked++
	if d.unacked >= d.k() {
		if _, err := d.conn.Write(ctx, EncodeS(d.recvSeq)); err != nil {
			return err
		}
		d.unacked = 0
	}
	return nil
}

func (d *Driver) handleFrame(ctx context.Context, apci APCI, asdu []byte) error {
	switch apci.Kind {
	case UFrame:
		switch apci.UControl {
		case UTestFRAct:
			if _, err := d.conn.Write(ctx, EncodeU(UTestFRCon)); err != nil {
				return err
			}
		case UTestFRCon:
			d.testPending = false
		}
		return nil
	case SFrame:
		return nil
	case IFrame:
		if err := d.acceptI(ctx, apci); err != nil {
			return err
		}
		a, err := Decode(asdu, d.sizes)
		if err != nil {
			return &protocol.SessionError{Op: "asdu", Cause: err}
		}
		d.queueASDU(a)
		return nil
	}
	return nil
}

// queueASDU converts measurement objects to deliveries for the next poll.
func (d *Driver) queueASDU(a *ASDU) {
	switch a.Type {
	case MSpNa, MDpNa, MMeNa, MMeNb, MMeNc:
	default:
		return
	}
	for _, obj := range a.Objects {
		p, ok := d.ioaIndex[obj.IOA]
		if !ok {
			d.log.Debug("iec104_unconfigured_ioa", "ioa", obj.IOA)
			continue
		}
		var v rtdb.Value
		if obj.IsSet {
			v = rtdb.BoolValue(obj.Bool)
		} else {
			v = rtdb.FloatValue(p.ToEngineering(obj.Value))
		}
		d.pending = append(d.pending, delivery{kind: p.Kind, id: p.ID, value: v})
	}
}
