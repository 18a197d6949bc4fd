package monarch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voltgrid/voltgrid/comsrv/points"
	comstore "github.com/voltgrid/voltgrid/comsrv/store"
	"github.com/voltgrid/voltgrid/config"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/modsrv/model"
	modstore "github.com/voltgrid/voltgrid/modsrv/store"
	"github.com/voltgrid/voltgrid/reload"
	"github.com/voltgrid/voltgrid/rtdb"
)

// SyncComsrv writes the declared channels and points into the comsrv
// database. Entities absent from the declaration are deleted: the store
// mirrors the declaration exactly.
func SyncComsrv(db *sql.DB, cfg *Config, log logging.Logger) error {
	if err := comstore.Init(db); err != nil {
		return err
	}
	if err := config.InitSchema(db); err != nil {
		return err
	}
	if err := applyCascadeTriggers(db); err != nil {
		return err
	}
	if cfg.Comsrv == nil {
		return nil
	}

	declared := make(map[uint16]bool, len(cfg.Comsrv.Channels))
	for _, ch := range cfg.Comsrv.Channels {
		declared[ch.ChannelID] = true
		if err := comstore.UpsertChannel(db, comstore.Channel{
			ID: ch.ChannelID, Name: ch.Name, Kind: ch.Protocol, Enabled: ch.Enabled, Params: ch.Params,
		}); err != nil {
			return fmt.Errorf("monarch: sync channel %d: %w", ch.ChannelID, err)
		}
		if err := syncPoints(db, ch); err != nil {
			return err
		}
	}

	existing, err := comstore.LoadChannels(db)
	if err != nil {
		return err
	}
	for _, ch := range existing {
		if !declared[ch.ID] {
			if err := comstore.DeleteChannel(db, ch.ID); err != nil {
				return fmt.Errorf("monarch: delete channel %d: %w", ch.ID, err)
			}
			log.Info("channel_removed_from_store", "channel_id", ch.ID)
		}
	}

	if err := applyServiceConfig(db, cfg, "comsrv"); err != nil {
		return err
	}
	return comstore.SetSyncMarker(db, "last_sync", time.Now().UTC().Format(time.RFC3339))
}

func syncPoints(db *sql.DB, ch ChannelConfig) error {
	// Deletes are targeted, never delete-all-rewrite: in a shared-file
	// deployment the cascade triggers fire on every DELETE, and only a
	// genuine removal may take routing rows with it.
	write := func(kind rtdb.PointKind, pts []PointConfig) error {
		declared := make(map[uint32]bool, len(pts))
		for _, pc := range pts {
			declared[pc.PointID] = true
		}
		existing, err := comstore.PointIDs(db, kind, ch.ChannelID)
		if err != nil {
			return err
		}
		for _, id := range existing {
			if !declared[id] {
				if err := comstore.DeletePoint(db, kind, ch.ChannelID, id); err != nil {
					return fmt.Errorf("monarch: channel %d: delete %s point %d: %w", ch.ChannelID, kind, id, err)
				}
			}
		}
		for _, pc := range pts {
			p := &points.Point{
				ChannelID: ch.ChannelID,
				ID:        pc.PointID,
				Name:      pc.Name,
				Kind:      kind,
				Address:   pc.Address,
				DataType:  pc.DataType,
				ByteOrder: pc.ByteOrder,
				Scale:     pc.Scale,
				Offset:    pc.Offset,
				Unit:      pc.Unit,
				Min:       pc.Min,
				Max:       pc.Max,
			}
			if err := p.Validate(); err != nil {
				return fmt.Errorf("monarch: channel %d: %w", ch.ChannelID, err)
			}
			if err := comstore.UpsertPoint(db, p); err != nil {
				return fmt.Errorf("monarch: channel %d point %d: %w", ch.ChannelID, pc.PointID, err)
			}
		}
		return nil
	}
	if err := write(rtdb.Telemetry, ch.Telemetry); err != nil {
		return err
	}
	if err := write(rtdb.Signal, ch.Signals); err != nil {
		return err
	}
	if err := write(rtdb.Control, ch.Controls); err != nil {
		return err
	}
	return write(rtdb.Adjustment, ch.Adjustments)
}

// SyncModsrv writes the declared product library and instances into the
// modsrv database.
func SyncModsrv(db *sql.DB, cfg *Config, log logging.Logger) error {
	if err := modstore.Init(db); err != nil {
		return err
	}
	if err := config.InitSchema(db); err != nil {
		return err
	}
	if err := applyCascadeTriggers(db); err != nil {
		return err
	}
	if cfg.Modsrv == nil {
		return nil
	}

	for _, pc := range cfg.Modsrv.Products {
		if err := modstore.UpsertProduct(db, model.Product{
			Name:         pc.Name,
			Parent:       pc.Parent,
			Measurements: pc.Measurements,
			Actions:      pc.Actions,
			Properties:   pc.Properties,
		}); err != nil {
			return fmt.Errorf("monarch: sync product %q: %w", pc.Name, err)
		}
	}
	for _, row := range cfg.Modsrv.Calculations {
		if err := modstore.UpsertCalculation(db, row); err != nil {
			return fmt.Errorf("monarch: sync calculation %s.%s: %w", row.Product, row.Output, err)
		}
	}

	declared := make(map[uint16]bool, len(cfg.Modsrv.Instances))
	for _, ic := range cfg.Modsrv.Instances {
		declared[ic.InstanceID] = true
		inst := &model.Instance{
			ID:           ic.InstanceID,
			Name:         ic.Name,
			Product:      ic.Product,
			ParentID:     ic.ParentID,
			Properties:   ic.Properties,
			Measurements: ic.Measurements,
			Actions:      ic.Actions,
		}
		if inst.Measurements == nil {
			inst.Measurements = map[string]model.Mapping{}
		}
		if inst.Actions == nil {
			inst.Actions = map[string]model.Mapping{}
		}
		if err := modstore.UpsertInstance(db, inst); err != nil {
			return fmt.Errorf("monarch: sync instance %d: %w", ic.InstanceID, err)
		}
	}

	existing, err := modstore.LoadInstances(db)
	if err != nil {
		return err
	}
	for _, inst := range existing {
		if !declared[inst.ID] {
			if err := modstore.DeleteInstance(db, inst.ID); err != nil {
				return fmt.Errorf("monarch: delete instance %d: %w", inst.ID, err)
			}
			log.Info("instance_removed_from_store", "instance_id", inst.ID)
		}
	}

	if err := applyServiceConfig(db, cfg, "modsrv"); err != nil {
		return err
	}
	if cfg.Modsrv.LibraryVersion != "" {
		return modstore.SetLibraryVersion(db, cfg.Modsrv.LibraryVersion)
	}
	return nil
}

// applyCascadeTriggers installs the point-deletion cascade when the comsrv
// point tables and the modsrv routing tables share one database file. With
// one file per service (the default layout) the triggers cannot span them;
// PruneStaleRouting is the cross-file equivalent.
func applyCascadeTriggers(db *sql.DB) error {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('telemetry_points', 'measurement_routing')`).Scan(&n)
	if err != nil {
		return fmt.Errorf("monarch: probe shared schema: %w", err)
	}
	if n < 2 {
		return nil
	}
	if _, err := db.Exec(comstore.RoutingTriggers); err != nil {
		return fmt.Errorf("monarch: install cascade triggers: %w", err)
	}
	return nil
}

// pruneStatement builds the stale-row delete for one routing table: a row
// dies when the point it targets no longer exists in the attached comsrv
// database.
func pruneStatement(table string) string {
	kinds := []struct{ code, pointTable string }{
		{"T", "telemetry_points"},
		{"S", "signal_points"},
		{"C", "control_points"},
		{"A", "adjustment_points"},
	}
	stmt := `DELETE FROM ` + table + ` WHERE `
	for i, k := range kinds {
		if i > 0 {
			stmt += ` OR `
		}
		stmt += fmt.Sprintf(`(channel_type = '%s' AND NOT EXISTS (
			SELECT 1 FROM comsrv.%s p
			WHERE p.channel_id = %s.channel_id AND p.point_id = %s.channel_point_id))`,
			k.code, k.pointTable, table, table)
	}
	return stmt
}

// PruneStaleRouting deletes modsrv routing rows whose target point no
// longer exists in comsrv's point tables. Deployments keep one SQLite file
// per service, so the schema-level cascade cannot reach across; monarch
// runs this after every sync to keep the two stores referentially
// consistent. The next modsrv reload then sees the missing mapping and
// marks the measurement unmapped.
func PruneStaleRouting(ctx context.Context, modsrvDB *sql.DB, comsrvPath string, log logging.Logger) (int64, error) {
	// ATTACH is per-connection; pin one for the whole sequence.
	conn, err := modsrvDB.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS comsrv`, comsrvPath); err != nil {
		return 0, fmt.Errorf("monarch: attach comsrv database: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, `DETACH DATABASE comsrv`)
	}()

	var pruned int64
	for _, table := range []string{"measurement_routing", "action_routing"} {
		res, err := conn.ExecContext(ctx, pruneStatement(table))
		if err != nil {
			return pruned, fmt.Errorf("monarch: prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += n
		}
	}
	if pruned > 0 {
		log.Warn("stale_routing_pruned", "rows", pruned)
	}
	return pruned, nil
}

func applyServiceConfig(db *sql.DB, cfg *Config, service string) error {
	for key, tv := range cfg.ServiceConfig[service] {
		typ := tv.Type
		if typ == "" {
			typ = "string"
		}
		if err := config.Set(db, key, tv.Value, typ); err != nil {
			return fmt.Errorf("monarch: service_config %s: %w", key, err)
		}
	}
	return nil
}

// SyncAndReload is the offline/lib mode: sync the database, then call the
// service's reload function in-process. Observable results match the online
// mode's sync-then-RPC sequence.
func SyncAndReload(ctx context.Context, db *sql.DB, cfg *Config, service string, svc reload.Service, log logging.Logger) (reload.Result, error) {
	var err error
	switch service {
	case "comsrv":
		err = SyncComsrv(db, cfg, log)
	case "modsrv":
		err = SyncModsrv(db, cfg, log)
	default:
		return reload.Result{}, fmt.Errorf("monarch: unknown service %q", service)
	}
	if err != nil {
		return reload.Result{}, err
	}
	return svc.ReloadFromDatabase(ctx, db)
}
