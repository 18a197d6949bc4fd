package rtdb_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
	"github.com/voltgrid/voltgrid/rtdb/rtdbtest"
)

func newPublisher(fake *rtdbtest.Fake, cfg rtdb.PublisherConfig) *rtdb.ChangePublisher {
	return rtdb.NewChangePublisher(fake, cfg, logging.Noop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublisherWritesHashAndEventTogether(t *testing.T) {
	fake := rtdbtest.New()
	cfg := rtdb.DefaultPublisherConfig("comsrv")
	cfg.BatchTimeout = 10 * time.Millisecond
	p := newPublisher(fake, cfg)
	defer p.Close()

	p.Publish(rtdb.PointUpdate{
		ChannelID: 101,
		Kind:      rtdb.Telemetry,
		PointID:   1001,
		Value:     rtdb.FloatValue(25.0),
		Timestamp: 1000,
	})

	waitFor(t, func() bool { return len(fake.Published) > 0 })

	h := fake.Hash("comsrv:101:T")
	assert.Equal(t, "25.000000", h["1001"])

	require.Len(t, fake.Published, 1)
	assert.Equal(t, "101:m:1001", fake.Published[0].Channel)

	ev, err := rtdb.DecodeChangeEvent(fake.Published[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), ev.ChannelID)
	assert.Equal(t, "m", ev.PointType)
	assert.Equal(t, uint32(1001), ev.PointID)
	assert.InDelta(t, 25.0, ev.Value, 1e-9)
	assert.Equal(t, int64(1000), ev.Timestamp)
	assert.Equal(t, cfg.Version, ev.Version)
}

func TestPublisherCoalescesSamePointInOneWindow(t *testing.T) {
	fake := rtdbtest.New()
	cfg := rtdb.DefaultPublisherConfig("comsrv")
	cfg.BatchTimeout = 50 * time.Millisecond
	cfg.BatchSize = 100
	p := newPublisher(fake, cfg)
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Publish(rtdb.PointUpdate{
			ChannelID: 1, Kind: rtdb.Telemetry, PointID: 9,
			Value: rtdb.FloatValue(float64(i)), Timestamp: int64(i),
		})
	}

	waitFor(t, func() bool { return len(fake.Published) > 0 })

	// Last value wins within the flush window; only one event goes out.
	assert.Len(t, fake.Published, 1)
	assert.Equal(t, "4.000000", fake.Hash("comsrv:1:T")["9"])
}

func TestPublisherDropsOldestOnOverflowAndWarns(t *testing.T) {
	fake := rtdbtest.New()
	cfg := rtdb.PublisherConfig{
		Enabled:      true,
		BufferSize:   3,
		BatchSize:    100, // never reached
		BatchTimeout: time.Hour,
		Version:      "1.0",
		Service:      "comsrv",
	}
	p := newPublisher(fake, cfg)
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Publish(rtdb.PointUpdate{
			ChannelID: 1, Kind: rtdb.Telemetry, PointID: uint32(i),
			Value: rtdb.FloatValue(float64(i)), Timestamp: int64(i),
		})
	}

	// Two overflow warnings for the two dropped entries.
	waitFor(t, func() bool { return len(fake.Published) >= 2 })
	var warned int
	for _, m := range fake.Published {
		if m.Channel == rtdb.WarnQueueOverflow {
			warned++
			var w rtdb.QueueOverflowWarning
			require.NoError(t, json.Unmarshal([]byte(m.Payload), &w))
			assert.Equal(t, "comsrv", w.Service)
		}
	}
	assert.Equal(t, 2, warned)

	// Drain: points 0 and 1 were dropped, 2..4 survive.
	p.Flush(t.Context())
	h := fake.Hash("comsrv:1:T")
	assert.NotContains(t, h, "0")
	assert.NotContains(t, h, "1")
	assert.Contains(t, h, "2")
	assert.Contains(t, h, "4")
}

func TestPublisherBatchSizeTriggersFlush(t *testing.T) {
	fake := rtdbtest.New()
	cfg := rtdb.DefaultPublisherConfig("comsrv")
	cfg.BatchSize = 3
	cfg.BatchTimeout = time.Hour // only size can trigger
	p := newPublisher(fake, cfg)
	defer p.Close()

	for i := 0; i < 3; i++ {
		p.Publish(rtdb.PointUpdate{
			ChannelID: 2, Kind: rtdb.Signal, PointID: uint32(i),
			Value: rtdb.BoolValue(i%2 == 0), Timestamp: int64(i),
		})
	}

	waitFor(t, func() bool { return len(fake.Published) == 3 })
	assert.Equal(t, "1", fake.Hash("comsrv:2:S")["0"])
	assert.Equal(t, "0", fake.Hash("comsrv:2:S")["1"])
}
