package calc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/observability"
	"github.com/voltgrid/voltgrid/rtdb"
)

// OutputKind selects the destination hash for a calculation result.
type OutputKind string

const (
	OutMeasurement OutputKind = "measurement"
	OutSignal      OutputKind = "signal"
)

// RawRef names a raw bus point.
type RawRef struct {
	ChannelID uint16
	Kind      rtdb.PointKind
	PointID   uint32
}

// VirtualRef names another calculation's output.
type VirtualRef struct {
	Model string
	Name  string
}

// Binding resolves one formula variable. Exactly one reference arm is set;
// Default, when present, substitutes for a missing or unreadable input
// instead of short-circuiting the calculation.
type Binding struct {
	Property    *PropertyRef
	Measurement *MeasurementRef
	Raw         *RawRef
	Virtual     *VirtualRef
	Default     *float64
}

// PropertyRef reads an instance property.
type PropertyRef struct {
	InstanceID uint16
	Name       string
}

// MeasurementRef reads an instance measurement through its routing.
type MeasurementRef struct {
	InstanceID uint16
	Name       string
}

// Trigger schedules a calculation: a positive Periodic interval, or
// event-driven re-evaluation on input change.
type Trigger struct {
	Periodic time.Duration
}

// Calculation is one registered formula.
type Calculation struct {
	Model   string // output model (instance name)
	Output  string // virtual point name
	Kind    OutputKind
	Formula string
	Inputs  map[string]Binding
	Trigger Trigger
}

// ID returns the graph node id of the calculation's output.
func (c *Calculation) ID() string { return c.Model + "." + c.Output }

// Resolver maps instance references onto concrete values and points.
// The model service implements it over the instance map.
type Resolver interface {
	Property(instanceID uint16, name string) (any, bool)
	Measurement(instanceID uint16, name string) (RawRef, bool)
}

// VirtualEvent is the change notification published for a computed output,
// on channel "modsrv:{model}:{name}".
type VirtualEvent struct {
	Model     string  `json:"model"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Version   string  `json:"version"`
}

// Config tunes the engine.
type Config struct {
	Debounce time.Duration // event-driven coalescing window
	Tick     time.Duration // shared periodic tick granularity
	Version  string        // stamped on virtual events
}

// DefaultConfig mirrors field-tested defaults.
func DefaultConfig() Config {
	return Config{Debounce: 100 * time.Millisecond, Tick: 100 * time.Millisecond, Version: "1.0"}
}

type compiled struct {
	calc    *Calculation
	program *vm.Program
	nextDue time.Time
}

// Engine evaluates registered calculations. Inputs resolve through a
// read-through cache over the bus; event-driven calculations are debounced.
type Engine struct {
	client   rtdb.Client
	resolver Resolver
	cfg      Config
	log      logging.Logger

	mu     sync.Mutex
	calcs  map[string]*compiled
	cache  map[RawRef]float64
	dirty  map[string]bool
	errors map[string]string // last evaluation error per calculation

	sub    *rtdb.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an idle engine.
func NewEngine(client rtdb.Client, resolver Resolver, cfg Config, log logging.Logger) *Engine {
	return &Engine{
		client:   client,
		resolver: resolver,
		cfg:      cfg,
		log:      log.Bind("component", "calc_engine"),
		calcs:    make(map[string]*compiled),
		cache:    make(map[RawRef]float64),
		dirty:    make(map[string]bool),
		errors:   make(map[string]string),
	}
}

// ifCallPattern rewrites the documented if(cond, a, b) form into the
// registered iif function; "if" itself is a keyword in the expression
// language.
var ifCallPattern = regexp.MustCompile(`\bif\s*\(`)

// sumCallPattern rewrites sum(a, b, ...) into the registered vsum function;
// the expression language's own builtin sum takes a single array.
var sumCallPattern = regexp.MustCompile(`\bsum\s*\(`)

// Register compiles and installs a calculation, then re-runs cycle
// detection over the whole graph. A calculation whose output is transitively
// one of its inputs is rejected.
func (e *Engine) Register(c *Calculation) error {
	formula := ifCallPattern.ReplaceAllString(c.Formula, "iif(")
	formula = sumCallPattern.ReplaceAllString(formula, "vsum(")
	program, err := expr.Compile(formula, expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("calc: compile %s: %w", c.ID(), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.calcs[c.ID()] = &compiled{calc: c, program: program}
	if cycles := FindCycles(e.graphLocked()); len(cycles) > 0 {
		delete(e.calcs, c.ID())
		return &CycleError{Cycles: cycles}
	}
	e.dirty[c.ID()] = true
	return nil
}

// Unregister removes a calculation.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calcs, id)
	delete(e.dirty, id)
	delete(e.errors, id)
}

// UnregisterModel removes every calculation owned by one model.
func (e *Engine) UnregisterModel(model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.calcs {
		if c.calc.Model == model {
			delete(e.calcs, id)
			delete(e.dirty, id)
			delete(e.errors, id)
		}
	}
}

// LastError returns the recorded evaluation error for a calculation.
func (e *Engine) LastError(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, ok := e.errors[id]
	return msg, ok
}

// graphLocked builds output -> input edges between calculations.
func (e *Engine) graphLocked() map[string][]string {
	g := make(map[string][]string, len(e.calcs))
	for id, c := range e.calcs {
		var edges []string
		for _, b := range c.calc.Inputs {
			if b.Virtual != nil {
				edges = append(edges, b.Virtual.Model+"."+b.Virtual.Name)
			}
		}
		g[id] = edges
	}
	return g
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Start subscribes to raw inputs and runs the evaluation loop until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	if err := e.rewire(runCtx); err != nil {
		cancel()
		return err
	}
	go e.loop(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Rewire re-subscribes after registration changes. Safe to call while
// running.
func (e *Engine) Rewire(ctx context.Context) error {
	return e.rewire(ctx)
}

func (e *Engine) rewire(ctx context.Context) error {
	e.mu.Lock()
	channelSet := make(map[string]bool)
	for _, c := range e.calcs {
		for _, b := range c.calc.Inputs {
			if ref, ok := e.rawRefLocked(b); ok {
				channelSet[rtdb.PointChannel(ref.ChannelID, ref.Kind, ref.PointID)] = true
			}
		}
	}
	old := e.sub
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if len(channelSet) == 0 {
		e.mu.Lock()
		e.sub = nil
		e.mu.Unlock()
		return nil
	}
	channels := make([]string, 0, len(channelSet))
	for ch := range channelSet {
		channels = append(channels, ch)
	}
	sub, err := e.client.Subscribe(ctx, channels...)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	debounce := time.NewTicker(e.cfg.Debounce)
	tick := time.NewTicker(e.cfg.Tick)
	defer debounce.Stop()
	defer tick.Stop()

	for {
		e.mu.Lock()
		sub := e.sub
		e.mu.Unlock()

		var msgCh <-chan rtdb.Message
		if sub != nil {
			msgCh = sub.C()
		}

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgCh:
			if !ok {
				e.mu.Lock()
				e.sub = nil
				e.mu.Unlock()
				continue
			}
			if msg.Kind == rtdb.MessageResubscribed {
				// Messages may have been lost: invalidate the cache so the
				// next evaluations read through.
				e.mu.Lock()
				e.cache = make(map[RawRef]float64)
				for id := range e.calcs {
					e.dirty[id] = true
				}
				e.mu.Unlock()
				continue
			}
			e.ingest(msg)

		case <-debounce.C:
			e.evaluateDirty(ctx)

		case <-tick.C:
			e.evaluatePeriodic(ctx)
		}
	}
}

// ingest updates the read-through cache and marks dependents dirty.
func (e *Engine) ingest(msg rtdb.Message) {
	ev, err := rtdb.DecodeChangeEvent(msg.Payload)
	if err != nil {
		e.log.Warn("change_event_malformed", "channel", msg.Channel, "error", err.Error())
		return
	}
	kind, ok := rtdb.KindFromShort(ev.PointType)
	if !ok {
		return
	}
	ref := RawRef{ChannelID: ev.ChannelID, Kind: kind, PointID: ev.PointID}

	e.mu.Lock()
	e.cache[ref] = ev.Value
	for id, c := range e.calcs {
		if c.calc.Trigger.Periodic > 0 {
			continue
		}
		for _, b := range c.calc.Inputs {
			if r, ok := e.rawRefLocked(b); ok && r == ref {
				e.dirty[id] = true
				break
			}
		}
	}
	e.mu.Unlock()
}

func (e *Engine) evaluateDirty(ctx context.Context) {
	e.mu.Lock()
	var due []*compiled
	for id := range e.dirty {
		if c, ok := e.calcs[id]; ok {
			due = append(due, c)
		}
		delete(e.dirty, id)
	}
	e.mu.Unlock()

	for _, c := range due {
		e.evaluate(ctx, c)
	}
}

func (e *Engine) evaluatePeriodic(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	var due []*compiled
	for _, c := range e.calcs {
		if c.calc.Trigger.Periodic <= 0 {
			continue
		}
		if c.nextDue.IsZero() || !c.nextDue.After(now) {
			c.nextDue = now.Add(c.calc.Trigger.Periodic)
			due = append(due, c)
		}
	}
	e.mu.Unlock()

	for _, c := range due {
		e.evaluate(ctx, c)
	}
}

// =============================================================================
// EVALUATION
// =============================================================================

var errMissingInput = errors.New("calc: missing input")

// Evaluate runs one calculation immediately. Exposed for tests and for the
// management API's dry-run endpoint.
func (e *Engine) Evaluate(ctx context.Context, id string) error {
	e.mu.Lock()
	c, ok := e.calcs[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("calc: unknown calculation %q", id)
	}
	return e.evaluate(ctx, c)
}

func (e *Engine) evaluate(ctx context.Context, c *compiled) error {
	env, err := e.buildEnv(ctx, c.calc)
	if err != nil {
		e.recordError(c.calc, err)
		status := "error"
		if errors.Is(err, errMissingInput) {
			status = "short_circuit"
		}
		observability.CalcEvaluation(c.calc.ID(), status)
		return err
	}

	out, err := expr.Run(c.program, env)
	if err != nil {
		e.recordError(c.calc, err)
		observability.CalcEvaluation(c.calc.ID(), "error")
		return err
	}
	value, err := toFloat(out)
	if err != nil {
		e.recordError(c.calc, err)
		observability.CalcEvaluation(c.calc.ID(), "error")
		return err
	}

	if err := e.writeOutput(ctx, c.calc, value); err != nil {
		e.recordError(c.calc, err)
		observability.CalcEvaluation(c.calc.ID(), "error")
		return err
	}

	e.mu.Lock()
	delete(e.errors, c.calc.ID())
	e.mu.Unlock()
	observability.CalcEvaluation(c.calc.ID(), "success")
	return nil
}

func (e *Engine) recordError(c *Calculation, err error) {
	e.mu.Lock()
	e.errors[c.ID()] = err.Error()
	e.mu.Unlock()
	e.log.Warn("calc_evaluation_failed", "calculation", c.ID(), "error", err.Error())
}

// buildEnv resolves every input variable plus the math helpers.
func (e *Engine) buildEnv(ctx context.Context, c *Calculation) (map[string]any, error) {
	env := map[string]any{
		"iif": func(cond bool, a, b float64) float64 {
			if cond {
				return a
			}
			return b
		},
		"min":  math.Min,
		"max":  math.Max,
		"abs":  math.Abs,
		"sqrt": math.Sqrt,
		"pow":  math.Pow,
		"vsum": func(vs ...float64) float64 {
			total := 0.0
			for _, v := range vs {
				total += v
			}
			return total
		},
		"avg": func(vs ...float64) float64 {
			if len(vs) == 0 {
				return 0
			}
			total := 0.0
			for _, v := range vs {
				total += v
			}
			return total / float64(len(vs))
		},
	}

	for name, b := range c.Inputs {
		v, err := e.resolveBinding(ctx, b)
		if err != nil {
			if b.Default != nil {
				env[name] = *b.Default
				continue
			}
			return nil, fmt.Errorf("%w: variable %q of %s: %v", errMissingInput, name, c.ID(), err)
		}
		env[name] = v
	}
	return env, nil
}

func (e *Engine) resolveBinding(ctx context.Context, b Binding) (any, error) {
	switch {
	case b.Property != nil:
		v, ok := e.resolver.Property(b.Property.InstanceID, b.Property.Name)
		if !ok {
			return nil, fmt.Errorf("property %q of instance %d not found", b.Property.Name, b.Property.InstanceID)
		}
		return v, nil

	case b.Measurement != nil:
		ref, ok := e.resolver.Measurement(b.Measurement.InstanceID, b.Measurement.Name)
		if !ok {
			return nil, fmt.Errorf("measurement %q of instance %d unmapped", b.Measurement.Name, b.Measurement.InstanceID)
		}
		return e.readRaw(ctx, ref)

	case b.Raw != nil:
		return e.readRaw(ctx, *b.Raw)

	case b.Virtual != nil:
		v, err := e.client.HashGet(ctx, rtdb.ModelMeasurementKey(b.Virtual.Model), b.Virtual.Name)
		if err != nil {
			return nil, fmt.Errorf("virtual %s.%s unavailable: %w", b.Virtual.Model, b.Virtual.Name, err)
		}
		return rtdb.ParseFloat(v)
	}
	return nil, errors.New("binding has no reference")
}

// readRaw serves from the cache, falling back to a bus read.
func (e *Engine) readRaw(ctx context.Context, ref RawRef) (float64, error) {
	e.mu.Lock()
	v, ok := e.cache[ref]
	e.mu.Unlock()
	if ok {
		return v, nil
	}
	raw, err := e.client.HashGet(ctx, rtdb.ChannelHashKey(ref.ChannelID, ref.Kind), strconv.FormatUint(uint64(ref.PointID), 10))
	if err != nil {
		return 0, fmt.Errorf("point %d:%s:%d unavailable: %w", ref.ChannelID, ref.Kind, ref.PointID, err)
	}
	parsed, err := rtdb.ParseFloat(raw)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.cache[ref] = parsed
	e.mu.Unlock()
	return parsed, nil
}

// rawRefLocked resolves a binding to its raw point, when it has one.
func (e *Engine) rawRefLocked(b Binding) (RawRef, bool) {
	switch {
	case b.Raw != nil:
		return *b.Raw, true
	case b.Measurement != nil:
		return e.resolver.Measurement(b.Measurement.InstanceID, b.Measurement.Name)
	}
	return RawRef{}, false
}

// writeOutput couples the hash write with the virtual change event.
func (e *Engine) writeOutput(ctx context.Context, c *Calculation, value float64) error {
	var key, wire string
	if c.Kind == OutSignal {
		key = rtdb.ModelSignalKey(c.Model)
		wire = rtdb.FormatBool(value != 0)
	} else {
		key = rtdb.ModelMeasurementKey(c.Model)
		wire = rtdb.FormatFloat(value)
	}

	ev := VirtualEvent{
		Model:     c.Model,
		Name:      c.Output,
		Value:     value,
		Timestamp: rtdb.NowMillis(),
		Version:   e.cfg.Version,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return e.client.Pipeline(ctx, []rtdb.Op{
		{Kind: rtdb.OpHashSet, Key: key, Fields: map[string]string{c.Output: wire}},
		{Kind: rtdb.OpPublish, Key: fmt.Sprintf("modsrv:%s:%s", c.Model, c.Output), Payload: string(payload)},
	})
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("calc: result %T is not numeric", v)
}
