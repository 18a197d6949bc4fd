package comsrv

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/voltgrid/voltgrid/comsrv/channel"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/comsrv/store"
	"github.com/voltgrid/voltgrid/reload"
)

// analyzeChannelChange classifies a channel update by severity.
func analyzeChannelChange(old channel.Config, next store.Channel) reload.ChangeType {
	if old.Kind != next.Kind {
		return reload.ProtocolRestartRequired
	}
	if endpointChanged(old.Params, next.Params) {
		return reload.ProtocolRestartRequired
	}
	if old.Params != next.Params {
		return reload.ConfigUpdate
	}
	// Point tables are re-read on every reload; a table swap is a
	// structural update with a transient blank period, never a restart.
	return reload.StructuralUpdate
}

// endpointChanged reports whether the change moves the channel to a
// different field endpoint.
func endpointChanged(a, b protocol.Params) bool {
	return a.Host != b.Host ||
		a.Port != b.Port ||
		a.Device != b.Device ||
		a.BaudRate != b.BaudRate ||
		a.CANInterface != b.CANInterface ||
		a.CASize != b.CASize ||
		a.IOASize != b.IOASize
}

// ReloadFromDatabase diffs the configured channel set against the runtime
// registry and applies the differences entity by entity. Failures roll back
// just the affected entity; the reload continues with the others.
func (s *Service) ReloadFromDatabase(ctx context.Context, pool *sql.DB) (reload.Result, error) {
	return reload.Run(ctx, "comsrv", s.log, func(ctx context.Context) (reload.Result, error) {
		var res reload.Result

		configured, err := store.LoadChannels(pool)
		if err != nil {
			return res, err
		}
		cfgByID := make(map[uint16]store.Channel, len(configured))
		var cfgIDs []string
		for _, c := range configured {
			if !c.Enabled {
				continue
			}
			cfgByID[c.ID] = c
			cfgIDs = append(cfgIDs, strconv.Itoa(int(c.ID)))
		}

		var runIDs []string
		for _, id := range s.registry.IDs() {
			runIDs = append(runIDs, strconv.Itoa(int(id)))
		}

		toAdd, toRemove, toUpdate := reload.Diff(runIDs, cfgIDs)

		for _, idStr := range toRemove {
			id := mustID(idStr)
			s.stopChannel(ctx, id)
			res.Removed = append(res.Removed, idStr)
		}

		for _, idStr := range toAdd {
			id := mustID(idStr)
			if err := s.startChannel(cfgByID[id]); err != nil {
				res.Errors = append(res.Errors, reload.EntityError{ID: idStr, Action: "add", Error: err.Error()})
				continue
			}
			res.Added = append(res.Added, idStr)
		}

		for _, idStr := range toUpdate {
			id := mustID(idStr)
			next := cfgByID[id]
			ch, ok := s.registry.Get(id)
			if !ok {
				res.Errors = append(res.Errors, reload.EntityError{ID: idStr, Action: "update", Error: "channel vanished during reload"})
				continue
			}
			prev := ch.Config()

			applied, err := s.applyChannelUpdate(ctx, ch, prev, next)
			if err != nil {
				res.Errors = append(res.Errors, reload.EntityError{ID: idStr, Action: "update", Error: err.Error()})
				// Roll back just this entity to its previous configuration.
				if rbErr := s.rollbackChannel(ctx, prev); rbErr != nil {
					s.log.Error("channel_rollback_failed", "channel_id", id, "error", rbErr.Error())
				}
				continue
			}
			if applied {
				res.Updated = append(res.Updated, idStr)
			}
		}

		return res, nil
	})
}

// applyChannelUpdate applies one classified update. The returned bool
// reports whether anything actually changed; a no-op re-read keeps reload
// idempotent.
func (s *Service) applyChannelUpdate(ctx context.Context, ch *channel.Channel, prev channel.Config, next store.Channel) (bool, error) {
	change := analyzeChannelChange(prev, next)
	if change == reload.ProtocolRestartRequired {
		s.stopChannel(ctx, prev.ID)
		return true, s.startChannel(next)
	}

	table, err := store.LoadPoints(s.db, next.ID)
	if err != nil {
		return false, err
	}
	tableChanged := table.Signature() != ch.PointsSignature()

	if change == reload.StructuralUpdate && !tableChanged {
		return false, nil // identical parameters and points: nothing to do
	}
	if change == reload.ConfigUpdate {
		ch.ReloadParameters(next.Params)
	}
	if tableChanged {
		ch.LoadPoints(table)
	}
	return true, nil
}

// rollbackChannel restores a channel to its previous configuration after a
// failed update.
func (s *Service) rollbackChannel(ctx context.Context, prev channel.Config) error {
	if _, ok := s.registry.Get(prev.ID); ok {
		// The channel survived; its old parameters are still active.
		return nil
	}
	return s.startChannel(store.Channel{
		ID:      prev.ID,
		Name:    prev.Name,
		Kind:    prev.Kind,
		Enabled: true,
		Params:  prev.Params,
	})
}

func mustID(s string) uint16 {
	id, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		panic(fmt.Sprintf("comsrv: bad channel id %q", s))
	}
	return uint16(id)
}
