package modsrv

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/modsrv/calc"
	"github.com/voltgrid/voltgrid/modsrv/model"
	"github.com/voltgrid/voltgrid/modsrv/store"
	"github.com/voltgrid/voltgrid/rtdb"
	"github.com/voltgrid/voltgrid/rtdb/rtdbtest"
)

func newTestService(t *testing.T) (*Service, *sql.DB, *rtdbtest.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "modsrv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Init(db))

	fake := rtdbtest.New()
	cfg := calc.DefaultConfig()
	cfg.Debounce = 20 * time.Millisecond
	cfg.Tick = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := New(ctx, db, fake, cfg, logging.Noop())
	return svc, db, fake
}

func seedPVProduct(t *testing.T, db *sql.DB) {
	t.Helper()
	require.NoError(t, store.UpsertProduct(db, model.Product{
		Name:         "pv",
		Measurements: []string{"P1", "P2", "voltage"},
		Properties:   map[string]any{"rated_kw": 10.0},
	}))
	require.NoError(t, store.UpsertCalculation(db, store.CalculationRow{
		Product: "pv", Output: "power", Kind: calc.OutMeasurement,
		Formula: "P1 * P2",
		Inputs:  map[string]string{"P1": "measurement:P1", "P2": "measurement:P2"},
	}))
	require.NoError(t, store.SetLibraryVersion(db, "v1"))
}

func seedInstance(t *testing.T, db *sql.DB, id uint16, name string) {
	t.Helper()
	require.NoError(t, store.UpsertInstance(db, &model.Instance{
		ID: id, Name: name, Product: "pv",
		Properties: map[string]any{"site": "north"},
		Measurements: map[string]model.Mapping{
			"P1":      {ChannelID: 1, Kind: rtdb.Telemetry, PointID: 101},
			"P2":      {ChannelID: 1, Kind: rtdb.Telemetry, PointID: 102},
			"voltage": {ChannelID: 2, Kind: rtdb.Telemetry, PointID: 7},
		},
		Actions: map[string]model.Mapping{},
	}))
}

func TestReloadAddsInstances(t *testing.T) {
	svc, db, fake := newTestService(t)
	seedPVProduct(t, db)
	seedInstance(t, db, 1, "pv_01")

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Added)
	assert.Empty(t, res.Errors)

	// Membership marker written.
	name, err := fake.GetString(context.Background(), "inst:1:name")
	require.NoError(t, err)
	assert.Equal(t, "pv_01", name)

	inst, ok := svc.Instance(1)
	require.True(t, ok)
	assert.Empty(t, inst.Unmapped)
	// Property defaults from the product template filled in.
	assert.Equal(t, 10.0, inst.Properties["rated_kw"])
}

func TestReloadIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedPVProduct(t, db)
	seedInstance(t, db, 1, "pv_01")

	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Updated)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Errors)
}

func TestReloadRemovesInstanceAndTombstones(t *testing.T) {
	svc, db, fake := newTestService(t)
	seedPVProduct(t, db)
	seedInstance(t, db, 1, "pv_01")
	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	// Simulate computed output state on the bus.
	require.NoError(t, fake.HashSet(context.Background(), "modsrv:pv_01:measurement", map[string]string{"power": "1.000000"}))

	require.NoError(t, store.DeleteInstance(db, 1))
	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Removed)

	_, err = fake.GetString(context.Background(), "inst:1:name")
	assert.ErrorIs(t, err, rtdb.ErrNotFound)
	assert.Empty(t, fake.Hash("modsrv:pv_01:measurement"))
}

func TestReloadPropertyOnlyUpdate(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedPVProduct(t, db)
	seedInstance(t, db, 1, "pv_01")
	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	// Mutate one property; mappings unchanged.
	inst, _ := store.LoadInstances(db)
	inst[0].Properties["site"] = "south"
	require.NoError(t, store.UpsertInstance(db, inst[0]))

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Updated)

	got, ok := svc.Property(1, "site")
	require.True(t, ok)
	assert.Equal(t, "south", got)
}

func TestReloadUnmappedMeasurementWarns(t *testing.T) {
	svc, db, fake := newTestService(t)
	seedPVProduct(t, db)
	seedInstance(t, db, 1, "pv_01")
	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)

	// The comsrv cascade deleted the voltage routing row.
	_, err = db.Exec(`DELETE FROM measurement_routing WHERE instance_id = 1 AND measurement_name = 'voltage'`)
	require.NoError(t, err)

	res, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Updated)
	assert.Empty(t, res.Errors)

	inst, ok := svc.Instance(1)
	require.True(t, ok)
	assert.Equal(t, []string{"voltage"}, inst.Unmapped)

	// Other measurements keep working.
	_, ok = svc.Measurement(1, "P1")
	assert.True(t, ok)
	_, ok = svc.Measurement(1, "voltage")
	assert.False(t, ok)

	// The warning went out on the dedicated channel.
	warned := false
	for _, m := range fake.Published {
		if m.Channel == rtdb.WarnUnmappedPoints {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestCalcRunsEndToEnd(t *testing.T) {
	// Scenario: P1 -> 400, P2 -> 20; within the debounce window the virtual
	// power measurement computes 8000.
	svc, db, fake := newTestService(t)
	seedPVProduct(t, db)
	seedInstance(t, db, 1, "power_calc")

	require.NoError(t, fake.HashSet(context.Background(), "comsrv:1:T", map[string]string{
		"101": "400.000000", "102": "20.000000",
	}))

	_, err := svc.ReloadFromDatabase(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Shutdown()

	ev := rtdb.NewChangeEvent(1, rtdb.Telemetry, 101, rtdb.FloatValue(400), rtdb.NowMillis(), "1.0")
	payload, err := ev.Encode()
	require.NoError(t, err)
	require.NoError(t, fake.Publish(context.Background(), ev.Channel(), payload))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fake.Hash("modsrv:power_calc:measurement")["power"] == "8000.000000" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("power not computed, got %q", fake.Hash("modsrv:power_calc:measurement")["power"])
}

func TestParseBindingForms(t *testing.T) {
	b, err := parseBinding(1, "measurement:P1")
	require.NoError(t, err)
	require.NotNil(t, b.Measurement)
	assert.Equal(t, "P1", b.Measurement.Name)

	b, err = parseBinding(1, "property:rated_kw")
	require.NoError(t, err)
	require.NotNil(t, b.Property)

	b, err = parseBinding(1, "raw:2:T:7?default=0.5")
	require.NoError(t, err)
	require.NotNil(t, b.Raw)
	assert.Equal(t, uint16(2), b.Raw.ChannelID)
	require.NotNil(t, b.Default)
	assert.Equal(t, 0.5, *b.Default)

	b, err = parseBinding(1, "virtual:power_calc:power")
	require.NoError(t, err)
	require.NotNil(t, b.Virtual)

	_, err = parseBinding(1, "bogus:x")
	assert.Error(t, err)
}
