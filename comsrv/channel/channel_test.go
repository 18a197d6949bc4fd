package channel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid/comsrv/channel"
	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/protocol/virtualproto"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
	"github.com/voltgrid/voltgrid/rtdb/rtdbtest"
)

func virtualChannel(t *testing.T, fake *rtdbtest.Fake, id uint16) (*channel.Channel, *virtualproto.Driver) {
	t.Helper()
	params := protocol.Params{PollingIntervalMs: 10}
	driver := virtualproto.New(params, logging.Noop())

	table, err := points.NewTable([]*points.Point{
		{
			ChannelID: id, ID: 1001, Kind: rtdb.Telemetry,
			Address:  points.Address{Virtual: &points.VirtualAddress{Address: "t1"}},
			DataType: points.TypeFloat64,
		},
		{
			ChannelID: id, ID: 3001, Kind: rtdb.Control,
			Address:  points.Address{Virtual: &points.VirtualAddress{Address: "c1"}},
			DataType: points.TypeBool,
		},
	})
	require.NoError(t, err)
	driver.LoadPoints(table)

	pubCfg := rtdb.DefaultPublisherConfig("comsrv")
	pubCfg.BatchTimeout = 5 * time.Millisecond
	pub := rtdb.NewChangePublisher(fake, pubCfg, logging.Noop())
	t.Cleanup(pub.Close)

	ch := channel.New(channel.Config{
		ID: id, Name: "virtual-1", Kind: protocol.Virtual, Params: params,
	}, driver, fake, pub, logging.Noop())
	return ch, driver
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

func TestChannelPollsAndPublishes(t *testing.T) {
	fake := rtdbtest.New()
	ch, _ := virtualChannel(t, fake, 101)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop(time.Second)

	waitFor(t, func() bool {
		return fake.Hash("comsrv:101:T")["1001"] != ""
	})
	assert.Equal(t, "polling", ch.Status().State)
	assert.True(t, ch.Status().Connected)

	// A change event went out on the per-point channel alongside the hash.
	waitFor(t, func() bool {
		for _, m := range fake.Published {
			if m.Channel == "101:m:1001" {
				return true
			}
		}
		return false
	})
}

func TestChannelTimestampsMonotonic(t *testing.T) {
	fake := rtdbtest.New()
	ch, _ := virtualChannel(t, fake, 102)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop(time.Second)

	waitFor(t, func() bool {
		n := 0
		for _, m := range fake.Published {
			if m.Channel == "102:m:1001" {
				n++
			}
		}
		return n >= 3
	})

	var last int64 = -1
	for _, m := range fake.Published {
		if m.Channel != "102:m:1001" {
			continue
		}
		ev, err := rtdb.DecodeChangeEvent(m.Payload)
		require.NoError(t, err)
		assert.Greater(t, ev.Timestamp, last)
		last = ev.Timestamp
	}
}

func TestSubmitCommandExecutes(t *testing.T) {
	fake := rtdbtest.New()
	ch, driver := virtualChannel(t, fake, 101)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop(time.Second)

	waitFor(t, func() bool { return ch.Status().Connected })

	h, err := ch.SubmitCommand(rtdb.CommandEnvelope{
		CommandID:   "c1",
		ChannelID:   101,
		CommandType: rtdb.CommandControl,
		PointID:     3001,
		Value:       1,
		Timestamp:   rtdb.NowMillis(),
	})
	require.NoError(t, err)

	select {
	case err := <-h.Done():
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete")
	}

	v, ok := driver.Written(rtdb.Control, 3001)
	require.True(t, ok)
	assert.True(t, v.AsBool())

	// Result hash and status record.
	waitFor(t, func() bool { return fake.Hash("comsrv:101:C")["3001"] == "1" })
	status, err := fake.GetString(context.Background(), rtdb.CommandStatusKey("c1"))
	require.NoError(t, err)
	var rec rtdb.CommandStatus
	require.NoError(t, json.Unmarshal([]byte(status), &rec))
	assert.Equal(t, rtdb.CommandSuccess, rec.Status)
}

func TestTodoListCommandConsumedWhilePolling(t *testing.T) {
	fake := rtdbtest.New()
	ch, driver := virtualChannel(t, fake, 101)

	env := rtdb.CommandEnvelope{
		CommandID:   "c2",
		ChannelID:   101,
		CommandType: rtdb.CommandControl,
		PointID:     3001,
		Value:       1,
		Timestamp:   rtdb.NowMillis(),
	}
	payload, err := env.Encode()
	require.NoError(t, err)
	_, err = fake.ListPush(context.Background(), rtdb.CommandTodoKey(101, rtdb.Control), payload)
	require.NoError(t, err)

	// Channel not polling: the command stays queued.
	time.Sleep(30 * time.Millisecond)
	n, _ := fake.ListLen(context.Background(), rtdb.CommandTodoKey(101, rtdb.Control))
	assert.Equal(t, int64(1), n)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop(time.Second)

	waitFor(t, func() bool {
		_, ok := driver.Written(rtdb.Control, 3001)
		return ok
	})
	n, _ = fake.ListLen(context.Background(), rtdb.CommandTodoKey(101, rtdb.Control))
	assert.Zero(t, n)
}

func TestMalformedTodoEntryDropped(t *testing.T) {
	fake := rtdbtest.New()
	ch, _ := virtualChannel(t, fake, 101)
	_, err := fake.ListPush(context.Background(), rtdb.CommandTodoKey(101, rtdb.Control), "{not json")
	require.NoError(t, err)

	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop(time.Second)

	waitFor(t, func() bool {
		n, _ := fake.ListLen(context.Background(), rtdb.CommandTodoKey(101, rtdb.Control))
		return n == 0
	})
	// Channel survives and keeps polling.
	assert.True(t, ch.Status().Connected)
}

func TestStopDrainsCleanly(t *testing.T) {
	fake := rtdbtest.New()
	ch, _ := virtualChannel(t, fake, 103)
	require.NoError(t, ch.Start(context.Background()))
	waitFor(t, func() bool { return ch.Status().Connected })

	ch.Stop(time.Second)
	assert.Equal(t, "stopped", ch.Status().State)
	assert.False(t, ch.Status().Connected)

	// A stopped channel can be started again.
	require.NoError(t, ch.Start(context.Background()))
	waitFor(t, func() bool { return ch.Status().Connected })
	ch.Stop(time.Second)
}

func TestRegistry(t *testing.T) {
	fake := rtdbtest.New()
	reg := channel.NewRegistry()
	a, _ := virtualChannel(t, fake, 1)
	b, _ := virtualChannel(t, fake, 2)
	reg.Put(a)
	reg.Put(b)

	assert.Equal(t, []uint16{1, 2}, reg.IDs())
	got, ok := reg.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint16(1), got.Config().ID)

	removed, ok := reg.Remove(1)
	require.True(t, ok)
	assert.Equal(t, uint16(1), removed.Config().ID)
	assert.Equal(t, 1, reg.Len())

	_, ok = reg.Get(1)
	assert.False(t, ok)
}

func TestStateTransitionTable(t *testing.T) {
	assert.True(t, channel.IsValidTransition(channel.StateStopped, channel.StateConnecting))
	assert.True(t, channel.IsValidTransition(channel.StatePolling, channel.StateWriting))
	assert.True(t, channel.IsValidTransition(channel.StateFailed, channel.StateReconnecting))
	assert.False(t, channel.IsValidTransition(channel.StateStopped, channel.StatePolling))
	assert.False(t, channel.IsValidTransition(channel.StateStopping, channel.StateConnecting))
}
