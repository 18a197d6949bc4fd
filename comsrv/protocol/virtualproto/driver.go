// Package virtualproto implements the virtual protocol: a deterministic
// synthetic device used for test fixtures and commissioning. It honors the
// same command and event semantics as the field protocols.
package virtualproto

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Driver generates a sine wave per telemetry point and a rotating boolean
// per signal point. Control and adjustment writes are recorded into the
// output tables and reflected back on subsequent polls.
type Driver struct {
	params protocol.Params
	log    logging.Logger

	table     atomic.Pointer[points.Table]
	connected bool
	step      uint64

	mu      sync.RWMutex
	outputs map[pointRef]rtdb.Value // recorded writes
}

type pointRef struct {
	kind rtdb.PointKind
	id   uint32
}

// New creates a virtual driver.
func New(params protocol.Params, log logging.Logger) *Driver {
	d := &Driver{params: params, log: log, outputs: make(map[pointRef]rtdb.Value)}
	d.table.Store(points.Empty())
	return d
}

// Connect marks the device present; there is no transport.
func (d *Driver) Connect(ctx context.Context) error {
	d.connected = true
	return nil
}

// Close marks the device absent.
func (d *Driver) Close() error {
	d.connected = false
	return nil
}

// LoadPoints swaps the table.
func (d *Driver) LoadPoints(table *points.Table) {
	d.table.Store(table)
}

// Poll emits one deterministic sample per configured point.
func (d *Driver) Poll(ctx context.Context, sink protocol.Sink) error {
	if !d.connected {
		return &protocol.RequestError{Op: "poll", Cause: fmt.Errorf("virtual device not connected")}
	}
	t := d.table.Load()
	step := d.step
	d.step++

	for _, p := range t.ByKind(rtdb.Telemetry) {
		// One full period every 60 samples, amplitude 100, phase offset by
		// point id so points are distinguishable.
		phase := 2 * math.Pi * (float64(step) + float64(p.ID%60)) / 60
		v := 100 * math.Sin(phase)
		sink(rtdb.Telemetry, p.ID, rtdb.FloatValue(p.ToEngineering(v)))
	}
	for _, p := range t.ByKind(rtdb.Signal) {
		// Rotate with a per-point offset.
		on := (step+uint64(p.ID))%2 == 0
		sink(rtdb.Signal, p.ID, rtdb.BoolValue(on))
	}

	// Reflect recorded writes so command results read back.
	d.mu.RLock()
	for ref, v := range d.outputs {
		sink(ref.kind, ref.id, v)
	}
	d.mu.RUnlock()
	return nil
}

// Execute records the write.
func (d *Driver) Execute(ctx context.Context, cmd protocol.Command) error {
	if !d.connected {
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("virtual device not connected")}
	}
	t := d.table.Load()
	p, ok := t.Lookup(cmd.Kind, cmd.PointID)
	if !ok {
		return &protocol.RequestError{Op: "execute", Cause: fmt.Errorf("no %s point %d", cmd.Kind, cmd.PointID)}
	}
	if err := p.CheckRange(cmd.Value.AsFloat()); err != nil {
		return &protocol.RequestError{Op: "execute", Cause: err}
	}
	d.mu.Lock()
	d.outputs[pointRef{kind: cmd.Kind, id: cmd.PointID}] = cmd.Value
	d.mu.Unlock()
	return nil
}

// Written returns the recorded value for a write point, for tests.
func (d *Driver) Written(kind rtdb.PointKind, id uint32) (rtdb.Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.outputs[pointRef{kind: kind, id: id}]
	return v, ok
}
