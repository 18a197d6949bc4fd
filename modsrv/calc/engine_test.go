package calc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
	"github.com/voltgrid/voltgrid/rtdb/rtdbtest"
)

// mapResolver implements Resolver over plain maps.
type mapResolver struct {
	props map[string]any
	meas  map[string]RawRef
}

func (r *mapResolver) Property(id uint16, name string) (any, bool) {
	v, ok := r.props[name]
	return v, ok
}

func (r *mapResolver) Measurement(id uint16, name string) (RawRef, bool) {
	v, ok := r.meas[name]
	return v, ok
}

func newEngine(t *testing.T, fake *rtdbtest.Fake, r Resolver) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Debounce = 20 * time.Millisecond
	cfg.Tick = 20 * time.Millisecond
	return NewEngine(fake, r, cfg, logging.Noop())
}

func powerCalc() *Calculation {
	return &Calculation{
		Model:  "power_calc",
		Output: "power",
		Kind:   OutMeasurement,
		// Scenario: power = P1 * P2 over two raw telemetry points.
		Formula: "P1 * P2",
		Inputs: map[string]Binding{
			"P1": {Raw: &RawRef{ChannelID: 1, Kind: rtdb.Telemetry, PointID: 101}},
			"P2": {Raw: &RawRef{ChannelID: 1, Kind: rtdb.Telemetry, PointID: 102}},
		},
	}
}

func TestEvaluateReadsThroughAndWritesOutput(t *testing.T) {
	fake := rtdbtest.New()
	require.NoError(t, fake.HashSet(context.Background(), "comsrv:1:T", map[string]string{
		"101": "400.000000",
		"102": "20.000000",
	}))

	e := newEngine(t, fake, &mapResolver{})
	c := powerCalc()
	require.NoError(t, e.Register(c))
	require.NoError(t, e.Evaluate(context.Background(), c.ID()))

	got := fake.Hash("modsrv:power_calc:measurement")["power"]
	assert.Equal(t, "8000.000000", got)

	// The virtual change event went out in the same pipeline.
	found := false
	for _, m := range fake.Published {
		if m.Channel == "modsrv:power_calc:power" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEventDrivenEvaluationWithinDebounce(t *testing.T) {
	fake := rtdbtest.New()
	require.NoError(t, fake.HashSet(context.Background(), "comsrv:1:T", map[string]string{
		"101": "400.000000", "102": "20.000000",
	}))

	e := newEngine(t, fake, &mapResolver{})
	require.NoError(t, e.Register(powerCalc()))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	// Publishing on a subscribed point channel triggers re-evaluation.
	ev := rtdb.NewChangeEvent(1, rtdb.Telemetry, 101, rtdb.FloatValue(500), rtdb.NowMillis(), "1.0")
	payload, err := ev.Encode()
	require.NoError(t, err)
	require.NoError(t, fake.Publish(context.Background(), ev.Channel(), payload))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fake.Hash("modsrv:power_calc:measurement")["power"] == "10000.000000" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output not updated, got %q", fake.Hash("modsrv:power_calc:measurement")["power"])
}

func TestPeriodicEvaluation(t *testing.T) {
	fake := rtdbtest.New()
	require.NoError(t, fake.HashSet(context.Background(), "comsrv:1:T", map[string]string{
		"101": "3.000000", "102": "4.000000",
	}))

	c := powerCalc()
	c.Trigger = Trigger{Periodic: 30 * time.Millisecond}
	e := newEngine(t, fake, &mapResolver{})
	require.NoError(t, e.Register(c))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fake.Hash("modsrv:power_calc:measurement")["power"] == "12.000000" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic calculation never ran")
}

func TestMissingInputUsesDefault(t *testing.T) {
	fake := rtdbtest.New()
	def := 7.0
	c := &Calculation{
		Model: "m", Output: "o", Kind: OutMeasurement,
		Formula: "x + 1",
		Inputs: map[string]Binding{
			"x": {Raw: &RawRef{ChannelID: 9, Kind: rtdb.Telemetry, PointID: 1}, Default: &def},
		},
	}
	e := newEngine(t, fake, &mapResolver{})
	require.NoError(t, e.Register(c))
	require.NoError(t, e.Evaluate(context.Background(), c.ID()))
	assert.Equal(t, "8.000000", fake.Hash("modsrv:m:measurement")["o"])
}

func TestMissingInputShortCircuits(t *testing.T) {
	fake := rtdbtest.New()
	c := &Calculation{
		Model: "m", Output: "o", Kind: OutMeasurement,
		Formula: "x + 1",
		Inputs: map[string]Binding{
			"x": {Raw: &RawRef{ChannelID: 9, Kind: rtdb.Telemetry, PointID: 1}},
		},
	}
	e := newEngine(t, fake, &mapResolver{})
	require.NoError(t, e.Register(c))

	err := e.Evaluate(context.Background(), c.ID())
	require.Error(t, err)
	// The failure is recorded against the calculation.
	msg, ok := e.LastError(c.ID())
	require.True(t, ok)
	assert.NotEmpty(t, msg)
	// No output was written.
	assert.Empty(t, fake.Hash("modsrv:m:measurement"))
}

func TestCycleRejectedAtRegistration(t *testing.T) {
	fake := rtdbtest.New()
	e := newEngine(t, fake, &mapResolver{})

	a := &Calculation{
		Model: "m", Output: "a", Kind: OutMeasurement, Formula: "b + 1",
		Inputs: map[string]Binding{"b": {Virtual: &VirtualRef{Model: "m", Name: "b"}}},
	}
	b := &Calculation{
		Model: "m", Output: "b", Kind: OutMeasurement, Formula: "a + 1",
		Inputs: map[string]Binding{"a": {Virtual: &VirtualRef{Model: "m", Name: "a"}}},
	}
	require.NoError(t, e.Register(a))

	err := e.Register(b)
	require.Error(t, err)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)

	// The rejected calculation was not installed; the first one still works.
	_, ok := e.calcs["m.b"]
	assert.False(t, ok)
}

func TestFormulaFunctions(t *testing.T) {
	fake := rtdbtest.New()
	r := &mapResolver{props: map[string]any{"rated": 100.0}}
	cases := []struct {
		formula string
		want    string
	}{
		{"min(3.0, 5.0)", "3.000000"},
		{"max(3.0, 5.0)", "5.000000"},
		{"abs(-2.5)", "2.500000"},
		{"sqrt(16.0)", "4.000000"},
		{"pow(2.0, 10.0)", "1024.000000"},
		{"sum(1.0, 2.0, 3.0)", "6.000000"},
		{"avg(2.0, 4.0)", "3.000000"},
		{"if(rated > 50, 1.0, 0.0)", "1.000000"},
		{"rated > 50 && rated < 200 ? 2.0 : 3.0", "2.000000"},
	}
	for i, tc := range cases {
		c := &Calculation{
			Model: "fx", Output: string(rune('a' + i)), Kind: OutMeasurement,
			Formula: tc.formula,
			Inputs: map[string]Binding{
				"rated": {Property: &PropertyRef{InstanceID: 1, Name: "rated"}},
			},
		}
		e := newEngine(t, fake, r)
		require.NoError(t, e.Register(c), tc.formula)
		require.NoError(t, e.Evaluate(context.Background(), c.ID()), tc.formula)
		assert.Equal(t, tc.want, fake.Hash("modsrv:fx:measurement")[c.Output], tc.formula)
	}
}

func TestSignalOutputWrites01(t *testing.T) {
	fake := rtdbtest.New()
	c := &Calculation{
		Model: "m", Output: "alarm", Kind: OutSignal,
		Formula: "x > 10",
		Inputs: map[string]Binding{
			"x": {Property: &PropertyRef{InstanceID: 1, Name: "x"}},
		},
	}
	e := newEngine(t, fake, &mapResolver{props: map[string]any{"x": 42.0}})
	require.NoError(t, e.Register(c))
	require.NoError(t, e.Evaluate(context.Background(), c.ID()))
	assert.Equal(t, "1", fake.Hash("modsrv:m:signal")["alarm"])
}
