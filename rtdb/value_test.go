package rtdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueConversions(t *testing.T) {
	b := BoolValue(true)
	assert.Equal(t, KindBool, b.Kind())
	assert.Equal(t, 1.0, b.AsFloat())
	assert.Equal(t, int64(1), b.AsInt())
	assert.True(t, b.AsBool())
	assert.Equal(t, "1", b.Wire())

	i := IntValue(-7)
	assert.Equal(t, KindInt, i.Kind())
	assert.Equal(t, -7.0, i.AsFloat())
	assert.True(t, i.AsBool())
	assert.Equal(t, "-7.000000", i.Wire())

	f := FloatValue(25.0)
	assert.Equal(t, KindFloat, f.Kind())
	assert.Equal(t, "25.000000", f.Wire())
	assert.Equal(t, int64(25), f.AsInt())

	zero := FloatValue(0)
	assert.False(t, zero.AsBool())
}

func TestKindShortCodes(t *testing.T) {
	assert.Equal(t, "m", Telemetry.Short())
	assert.Equal(t, "s", Signal.Short())
	assert.Equal(t, "c", Control.Short())
	assert.Equal(t, "a", Adjustment.Short())

	k, ok := KindFromShort("m")
	assert.True(t, ok)
	assert.Equal(t, Telemetry, k)

	_, ok = KindFromShort("x")
	assert.False(t, ok)
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "comsrv:101:T", ChannelHashKey(101, Telemetry))
	assert.Equal(t, "comsrv:101:C:TODO", CommandTodoKey(101, Control))
	assert.Equal(t, "inst:7:name", InstanceNameKey(7))
	assert.Equal(t, "modsrv:power_calc:measurement", ModelMeasurementKey("power_calc"))
	assert.Equal(t, "101:m:1001", PointChannel(101, Telemetry, 1001))
	assert.Equal(t, "cmd:101:control", CommandChannel(101, CommandControl))
}
