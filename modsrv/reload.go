package modsrv

import (
	"context"
	"database/sql"
	"reflect"
	"strconv"
	"time"

	"github.com/voltgrid/voltgrid/modsrv/model"
	"github.com/voltgrid/voltgrid/modsrv/store"
	"github.com/voltgrid/voltgrid/reload"
	"github.com/voltgrid/voltgrid/rtdb"
)

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// analyzeInstanceChange classifies an instance update.
func analyzeInstanceChange(old, next *model.Instance) reload.ChangeType {
	if old.Product != next.Product {
		return reload.ProtocolRestartRequired
	}
	if !reflect.DeepEqual(old.Measurements, next.Measurements) ||
		!reflect.DeepEqual(old.Actions, next.Actions) {
		return reload.StructuralUpdate
	}
	if !reflect.DeepEqual(old.Properties, next.Properties) || old.Name != next.Name {
		return reload.ConfigUpdate
	}
	return reload.NoChange
}

// ReloadFromDatabase diffs the configured instance set against the runtime
// map. Property-only updates swap the instance in place and rewrite its name
// marker, without re-wiring; the properties themselves are not written to the
// bus. Mapping changes re-wire subscriptions; removed instances have their bus
// keys deleted.
func (s *Service) ReloadFromDatabase(ctx context.Context, pool *sql.DB) (reload.Result, error) {
	return reload.Run(ctx, "modsrv", s.log, func(ctx context.Context) (reload.Result, error) {
		var res reload.Result

		catalog, err := store.LoadCatalog(pool)
		if err != nil {
			return res, err
		}
		configured, err := store.LoadInstances(pool)
		if err != nil {
			return res, err
		}
		calcRows, err := store.LoadCalculations(pool)
		if err != nil {
			return res, err
		}

		s.mu.Lock()
		s.catalog = catalog
		s.mu.Unlock()

		cfgByID := make(map[uint16]*model.Instance, len(configured))
		var cfgIDs []string
		for _, inst := range configured {
			cfgByID[inst.ID] = inst
			cfgIDs = append(cfgIDs, strconv.Itoa(int(inst.ID)))
		}

		var runIDs []string
		s.mu.RLock()
		for _, id := range s.instances.IDs() {
			runIDs = append(runIDs, strconv.Itoa(int(id)))
		}
		s.mu.RUnlock()

		toAdd, toRemove, toUpdate := reload.Diff(runIDs, cfgIDs)

		for _, idStr := range toRemove {
			id := mustInstanceID(idStr)
			s.removeInstance(ctx, id)
			res.Removed = append(res.Removed, idStr)
		}

		for _, idStr := range toAdd {
			id := mustInstanceID(idStr)
			if err := s.addInstance(ctx, cfgByID[id], calcRows); err != nil {
				res.Errors = append(res.Errors, reload.EntityError{ID: idStr, Action: "add", Error: err.Error()})
				s.removeInstance(ctx, id)
				continue
			}
			res.Added = append(res.Added, idStr)
		}

		for _, idStr := range toUpdate {
			id := mustInstanceID(idStr)
			next := cfgByID[id]
			if p, ok := catalog.Get(next.Product); ok {
				next.Resolve(p)
			}
			s.mu.RLock()
			old, _ := s.instances.Get(id)
			s.mu.RUnlock()

			change := analyzeInstanceChange(old, next)
			if change == reload.NoChange {
				continue
			}
			if err := s.updateInstance(ctx, old, next, change, calcRows); err != nil {
				res.Errors = append(res.Errors, reload.EntityError{ID: idStr, Action: "update", Error: err.Error()})
				// Restore the previous instance so the runtime stays
				// consistent with what it was serving.
				s.mu.Lock()
				s.instances.Put(old)
				s.mu.Unlock()
				continue
			}
			res.Updated = append(res.Updated, idStr)
		}

		if err := s.engine.Rewire(s.runCtx); err != nil {
			return res, err
		}
		return res, nil
	})
}

// addInstance resolves, registers, and syncs one new instance.
func (s *Service) addInstance(ctx context.Context, inst *model.Instance, calcRows []store.CalculationRow) error {
	s.mu.RLock()
	catalog := s.catalog
	s.mu.RUnlock()

	if p, ok := catalog.Get(inst.Product); ok {
		inst.Resolve(p)
	}
	s.warnUnmapped(ctx, inst)

	if err := s.client.SetString(ctx, rtdb.InstanceNameKey(inst.ID), inst.Name, 0); err != nil {
		return err
	}
	if err := s.registerInstanceCalcs(inst, calcRows); err != nil {
		return err
	}

	s.mu.Lock()
	s.instances.Put(inst)
	s.mu.Unlock()
	return nil
}

// updateInstance applies one classified instance update.
func (s *Service) updateInstance(ctx context.Context, old, next *model.Instance, change reload.ChangeType, calcRows []store.CalculationRow) error {
	switch change {
	case reload.ConfigUpdate:
		// Property-only: swap in place and refresh the name marker.
		if err := s.client.SetString(ctx, rtdb.InstanceNameKey(next.ID), next.Name, 0); err != nil {
			return err
		}
		s.mu.Lock()
		s.instances.Put(next)
		s.mu.Unlock()
		return nil

	default:
		// Structural or product change: tear down and rebuild.
		s.removeInstance(ctx, old.ID)
		return s.addInstance(ctx, next, calcRows)
	}
}

// removeInstance tears one instance down and deletes its bus tombstones.
func (s *Service) removeInstance(ctx context.Context, id uint16) {
	s.mu.Lock()
	inst, ok := s.instances.Get(id)
	if ok {
		s.instances.Remove(id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.engine.UnregisterModel(inst.Name)

	keys, err := s.client.ScanMatch(ctx, rtdb.InstanceKeyPattern(id))
	if err == nil {
		modelKeys, merr := s.client.ScanMatch(ctx, rtdb.ModelKeyPattern(inst.Name))
		if merr == nil {
			keys = append(keys, modelKeys...)
		}
	}
	if err != nil {
		s.log.Warn("instance_tombstone_scan_failed", "instance_id", id, "error", err.Error())
		return
	}
	if len(keys) > 0 {
		if err := s.client.Delete(ctx, keys...); err != nil {
			s.log.Warn("instance_tombstone_failed", "instance_id", id, "error", err.Error())
		}
	}
}

// warnUnmapped publishes an unmapped-points warning for an instance whose
// routing references vanished (e.g. the point was deleted in comsrv's store
// and the cascade removed the routing row). The instance keeps serving its
// mapped measurements.
func (s *Service) warnUnmapped(ctx context.Context, inst *model.Instance) {
	if len(inst.Unmapped) == 0 {
		return
	}
	s.log.Warn("instance_has_unmapped_points",
		"instance_id", inst.ID, "instance", inst.Name, "unmapped", inst.Unmapped)
	w := rtdb.UnmappedPointsWarning{
		Service:       "modsrv",
		TelemetryType: string(rtdb.Telemetry),
		UnmappedCount: uint32(len(inst.Unmapped)),
		RoutedCount:   uint32(len(inst.Measurements)),
		Timestamp:     rtdb.NowMillis(),
		Severity:      "warning",
	}
	if err := rtdb.PublishWarning(ctx, s.client, rtdb.WarnUnmappedPoints, w); err != nil {
		s.log.Warn("unmapped_warning_publish_failed", "error", err.Error())
	}
}

func mustInstanceID(s string) uint16 {
	id, _ := strconv.ParseUint(s, 10, 16)
	return uint16(id)
}
