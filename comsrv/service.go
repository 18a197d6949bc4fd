// Package comsrv wires the communication service: the runtime channel
// registry, the reload orchestrator, the command subscribers, and the
// management HTTP API.
package comsrv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voltgrid/voltgrid/comsrv/channel"
	"github.com/voltgrid/voltgrid/comsrv/command"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/protocol/canbus"
	"github.com/voltgrid/voltgrid/comsrv/protocol/iec104"
	"github.com/voltgrid/voltgrid/comsrv/protocol/modbus"
	"github.com/voltgrid/voltgrid/comsrv/protocol/virtualproto"
	"github.com/voltgrid/voltgrid/comsrv/store"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// stopGrace bounds how long Stop waits for one channel to drain.
const stopGrace = 5 * time.Second

// Service is the communication service core.
type Service struct {
	log      logging.Logger
	client   rtdb.Client
	pub      *rtdb.ChangePublisher
	registry *channel.Registry
	db       *sql.DB

	runCtx context.Context
	subs   map[uint16]*command.Subscriber

	sync *rtdb.SyncManager
}

// New creates the service. Call Reload to populate the registry from the
// store, then the channels run until Shutdown.
func New(ctx context.Context, db *sql.DB, client rtdb.Client, pub *rtdb.ChangePublisher, log logging.Logger) *Service {
	return &Service{
		log:      log.Bind("component", "comsrv"),
		client:   client,
		pub:      pub,
		registry: channel.NewRegistry(),
		db:       db,
		runCtx:   ctx,
		subs:     make(map[uint16]*command.Subscriber),
		sync:     rtdb.NewSyncManager(client, log),
	}
}

// Registry exposes the runtime channel registry.
func (s *Service) Registry() *channel.Registry { return s.registry }

// SyncStats exposes the server-side sync counters for the health endpoint.
func (s *Service) SyncStats() rtdb.SyncStats { return s.sync.Stats() }

// newDriver builds the protocol driver for a channel configuration.
func newDriver(kind protocol.Kind, params protocol.Params, log logging.Logger) (protocol.Driver, error) {
	switch kind {
	case protocol.ModbusTCP:
		return modbus.New(params, false, log), nil
	case protocol.ModbusRTU:
		return modbus.New(params, true, log), nil
	case protocol.IEC104:
		return iec104.New(params, log), nil
	case protocol.CAN:
		return canbus.New(params, log), nil
	case protocol.Virtual:
		return virtualproto.New(params, log), nil
	}
	return nil, fmt.Errorf("comsrv: unsupported protocol %q", kind)
}

// startChannel instantiates, registers, and starts one channel plus its
// command subscriber.
func (s *Service) startChannel(cfg store.Channel) error {
	driver, err := newDriver(cfg.Kind, cfg.Params, s.log.Bind("channel_id", cfg.ID))
	if err != nil {
		return err
	}
	table, err := store.LoadPoints(s.db, cfg.ID)
	if err != nil {
		return err
	}

	ch := channel.New(channel.Config{
		ID:     cfg.ID,
		Name:   cfg.Name,
		Kind:   cfg.Kind,
		Params: cfg.Params,
	}, driver, s.client, s.pub, s.log)
	ch.SetSyncManager(s.sync)
	ch.LoadPoints(table)

	if err := ch.Start(s.runCtx); err != nil {
		return err
	}
	s.registry.Put(ch)

	sub := command.NewSubscriber(cfg.ID, s.client, ch, s.log)
	if err := sub.Start(s.runCtx); err != nil {
		ch.Stop(stopGrace)
		s.registry.Remove(cfg.ID)
		return err
	}
	s.subs[cfg.ID] = sub
	return nil
}

// stopChannel tears one channel down and removes its bus tombstones.
func (s *Service) stopChannel(ctx context.Context, id uint16) {
	if sub, ok := s.subs[id]; ok {
		sub.Stop()
		delete(s.subs, id)
	}
	if ch, ok := s.registry.Remove(id); ok {
		ch.Stop(stopGrace)
	}

	keys := []string{
		rtdb.ChannelHashKey(id, rtdb.Telemetry),
		rtdb.ChannelHashKey(id, rtdb.Signal),
		rtdb.ChannelHashKey(id, rtdb.Control),
		rtdb.ChannelHashKey(id, rtdb.Adjustment),
		rtdb.CommandTodoKey(id, rtdb.Control),
		rtdb.CommandTodoKey(id, rtdb.Adjustment),
	}
	if err := s.client.Delete(ctx, keys...); err != nil {
		s.log.Warn("channel_tombstone_failed", "channel_id", id, "error", err.Error())
	}
}

// Shutdown stops subscribers first, then channels, then flushes the
// publisher. The RTDB client and transports close after.
func (s *Service) Shutdown(ctx context.Context) {
	for id, sub := range s.subs {
		sub.Stop()
		delete(s.subs, id)
	}
	for _, ch := range s.registry.All() {
		ch.Stop(stopGrace)
	}
	s.pub.Flush(ctx)
	s.log.Info("comsrv_shutdown_complete")
}
