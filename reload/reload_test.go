package reload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/logging"
)

func TestDiff(t *testing.T) {
	toAdd, toRemove, toUpdate := Diff(
		[]string{"1", "2", "3"},
		[]string{"2", "3", "4"},
	)
	assert.Equal(t, []string{"4"}, toAdd)
	assert.Equal(t, []string{"1"}, toRemove)
	assert.Equal(t, []string{"2", "3"}, toUpdate)
}

func TestDiffEmptySides(t *testing.T) {
	toAdd, toRemove, toUpdate := Diff(nil, []string{"1"})
	assert.Equal(t, []string{"1"}, toAdd)
	assert.Empty(t, toRemove)
	assert.Empty(t, toUpdate)

	toAdd, toRemove, toUpdate = Diff([]string{"1"}, nil)
	assert.Empty(t, toAdd)
	assert.Equal(t, []string{"1"}, toRemove)
	assert.Empty(t, toUpdate)
}

func TestResultEmpty(t *testing.T) {
	assert.True(t, Result{}.Empty())
	assert.False(t, Result{Added: []string{"1"}}.Empty())
	assert.False(t, Result{Errors: []EntityError{{ID: "1"}}}.Empty())
}

func TestRunPopulatesDuration(t *testing.T) {
	res, err := Run(context.Background(), "test", logging.Noop(), func(ctx context.Context) (Result, error) {
		return Result{Added: []string{"a"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Added)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestChangeTypeString(t *testing.T) {
	assert.Equal(t, "no_change", NoChange.String())
	assert.Equal(t, "protocol_restart_required", ProtocolRestartRequired.String())
}
