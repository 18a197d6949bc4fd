package comsrv

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/voltgrid/voltgrid/comsrv/channel"
	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/store"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
	"github.com/voltgrid/voltgrid/rtdb/rtdbtest"
)

func newTestService(t *testing.T) (*Service, *sql.DB, *rtdbtest.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "comsrv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Init(db))

	fake := rtdbtest.New()
	cfg := rtdb.DefaultPublisherConfig("comsrv")
	cfg.BatchTimeout = 5 * time.Millisecond
	pub := rtdb.NewChangePublisher(fake, cfg, logging.Noop())
	t.Cleanup(pub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := New(ctx, db, fake, pub, logging.Noop())
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, db, fake
}

func addVirtualChannel(t *testing.T, db *sql.DB, id uint16, name string) {
	t.Helper()
	require.NoError(t, store.UpsertChannel(db, store.Channel{
		ID: id, Name: name, Kind: protocol.Virtual, Enabled: true,
		Params: protocol.Params{PollingIntervalMs: 20},
	}))
	require.NoError(t, store.UpsertPoint(db, &points.Point{
		ChannelID: id, ID: 1, Kind: rtdb.Telemetry,
		Address:  points.Address{Virtual: &points.VirtualAddress{Address: "t"}},
		DataType: points.TypeFloat64,
	}))
}

func TestReloadConvergesToConfiguredSet(t *testing.T) {
	svc, db, _ := newTestService(t)
	addVirtualChannel(t, db, 1, "a")
	addVirtualChannel(t, db, 2, "b")

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, res.Added)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []uint16{1, 2}, svc.Registry().IDs())

	// Add channel 3, remove channel 1, reload again (scenario: management
	// tool mutated the store and issued the RPC).
	addVirtualChannel(t, db, 3, "c")
	require.NoError(t, store.DeleteChannel(db, 1))

	res, err = svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, res.Added)
	assert.Equal(t, []string{"1"}, res.Removed)
	assert.Equal(t, []uint16{2, 3}, svc.Registry().IDs())
}

func TestReloadIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	addVirtualChannel(t, db, 1, "a")

	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Updated)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []uint16{1}, svc.Registry().IDs())
}

func TestReloadDetectsPointTableChange(t *testing.T) {
	svc, db, _ := newTestService(t)
	addVirtualChannel(t, db, 1, "a")
	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	// Hot-add a point: parameters are untouched but the table changed.
	require.NoError(t, store.UpsertPoint(db, &points.Point{
		ChannelID: 1, ID: 2, Kind: rtdb.Telemetry,
		Address:  points.Address{Virtual: &points.VirtualAddress{Address: "t2"}},
		DataType: points.TypeFloat64,
	}))

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Updated)
	assert.Empty(t, res.Errors)
}

func TestReloadDisabledChannelRemoved(t *testing.T) {
	svc, db, _ := newTestService(t)
	addVirtualChannel(t, db, 1, "a")
	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, store.UpsertChannel(db, store.Channel{
		ID: 1, Name: "a", Kind: protocol.Virtual, Enabled: false,
		Params: protocol.Params{PollingIntervalMs: 20},
	}))
	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Removed)
	assert.Zero(t, svc.Registry().Len())
}

func TestReloadRemovesTombstones(t *testing.T) {
	svc, db, fake := newTestService(t)
	addVirtualChannel(t, db, 1, "a")
	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	// Wait for the channel to write telemetry.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fake.Hash("comsrv:1:T")) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, fake.Hash("comsrv:1:T"))

	require.NoError(t, store.DeleteChannel(db, 1))
	_, err = svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, fake.Hash("comsrv:1:T"))
}

func TestAnalyzeChannelChange(t *testing.T) {
	base := protocol.Params{Host: "127.0.0.1", Port: 5020, PollingIntervalMs: 1000}
	old := channel.Config{ID: 1, Kind: protocol.ModbusTCP, Params: base}

	// Timing tweak: hot config update.
	tweaked := base
	tweaked.PollingIntervalMs = 500
	assert.Equal(t, "config_update",
		analyzeChannelChange(old, store.Channel{ID: 1, Kind: protocol.ModbusTCP, Params: tweaked}).String())

	// Endpoint change: restart.
	moved := base
	moved.Port = 5021
	assert.Equal(t, "protocol_restart_required",
		analyzeChannelChange(old, store.Channel{ID: 1, Kind: protocol.ModbusTCP, Params: moved}).String())

	// Protocol kind change: restart.
	assert.Equal(t, "protocol_restart_required",
		analyzeChannelChange(old, store.Channel{ID: 1, Kind: protocol.IEC104, Params: base}).String())

	// Identical params: structural (point table refresh only).
	assert.Equal(t, "structural_update",
		analyzeChannelChange(old, store.Channel{ID: 1, Kind: protocol.ModbusTCP, Params: base}).String())
}
