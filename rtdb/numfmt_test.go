package rtdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFloatCanonicalForm(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{25.0, "25.000000"},
		{0, "0.000000"},
		{-1.5, "-1.500000"},
		{8000, "8000.000000"},
		{0.1234567, "0.123457"}, // rounded to six fraction digits
		{1e6, "1000000.000000"}, // never exponent form
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatFloat(tt.in))
	}
}

func TestParseFloatAcceptsAnyDecimal(t *testing.T) {
	for _, s := range []string{"25.000000", "25", "25.0", "-3.14", "0"} {
		_, err := ParseFloat(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFloat("not-a-number")
	assert.Error(t, err)
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1, -1, 25.0, 0.125, 123456.789} {
		got, err := ParseFloat(FormatFloat(v))
		require.NoError(t, err)
		assert.InDelta(t, v, got, 1e-6)
	}
}

func TestFormatBool(t *testing.T) {
	assert.Equal(t, "1", FormatBool(true))
	assert.Equal(t, "0", FormatBool(false))
}

func TestParseBool(t *testing.T) {
	v, err := ParseBool("1")
	require.NoError(t, err)
	assert.True(t, v)

	v, err = ParseBool("0")
	require.NoError(t, err)
	assert.False(t, v)

	// Any nonzero decimal lifts to true.
	v, err = ParseBool("2.5")
	require.NoError(t, err)
	assert.True(t, v)

	_, err = ParseBool("on")
	assert.Error(t, err)
}

func TestPointIDCache(t *testing.T) {
	c := NewPointIDCache()
	assert.Equal(t, "42", c.Get(42))
	assert.Equal(t, "42", c.Get(42)) // cached path
	assert.Equal(t, "0", c.Get(0))
	// Beyond the cached range falls back to fresh conversion.
	assert.Equal(t, "99999", c.Get(99999))
}
