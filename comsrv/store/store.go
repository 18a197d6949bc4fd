// Package store owns the comsrv SQLite configuration schema: channels and
// the four point tables. The management tool writes this database; the
// service only reads it during reload.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Channel is one configured channel row.
type Channel struct {
	ID      uint16
	Name    string
	Kind    protocol.Kind
	Enabled bool
	Params  protocol.Params
}

// Schema creates the comsrv tables when absent. The cascade triggers that
// clean modsrv routing rows when points disappear are separate; see
// RoutingTriggers.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	channel_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	protocol TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	params TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS telemetry_points (
	channel_id INTEGER NOT NULL,
	point_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	data_type TEXT NOT NULL,
	byte_order TEXT NOT NULL DEFAULT '',
	scale REAL NOT NULL DEFAULT 1.0,
	offset REAL NOT NULL DEFAULT 0.0,
	unit TEXT NOT NULL DEFAULT '',
	min_value REAL,
	max_value REAL,
	PRIMARY KEY(channel_id, point_id)
);

CREATE TABLE IF NOT EXISTS signal_points (
	channel_id INTEGER NOT NULL,
	point_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	data_type TEXT NOT NULL DEFAULT 'bool',
	PRIMARY KEY(channel_id, point_id)
);

CREATE TABLE IF NOT EXISTS control_points (
	channel_id INTEGER NOT NULL,
	point_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	data_type TEXT NOT NULL DEFAULT 'bool',
	PRIMARY KEY(channel_id, point_id)
);

CREATE TABLE IF NOT EXISTS adjustment_points (
	channel_id INTEGER NOT NULL,
	point_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	data_type TEXT NOT NULL,
	byte_order TEXT NOT NULL DEFAULT '',
	scale REAL NOT NULL DEFAULT 1.0,
	offset REAL NOT NULL DEFAULT 0.0,
	unit TEXT NOT NULL DEFAULT '',
	min_value REAL,
	max_value REAL,
	PRIMARY KEY(channel_id, point_id)
);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// RoutingTriggers cascade point deletions into the modsrv routing tables
// when both schemas share one database file. Monarch installs them at sync
// time after probing for the routing tables; in the default one-file-per-
// service layout it prunes stale routing rows itself instead.
const RoutingTriggers = `
CREATE TRIGGER IF NOT EXISTS telemetry_points_cascade AFTER DELETE ON telemetry_points
BEGIN
	DELETE FROM measurement_routing
	WHERE channel_id = OLD.channel_id AND channel_type = 'T' AND channel_point_id = OLD.point_id;
END;

CREATE TRIGGER IF NOT EXISTS signal_points_cascade AFTER DELETE ON signal_points
BEGIN
	DELETE FROM measurement_routing
	WHERE channel_id = OLD.channel_id AND channel_type = 'S' AND channel_point_id = OLD.point_id;
END;

CREATE TRIGGER IF NOT EXISTS control_points_cascade AFTER DELETE ON control_points
BEGIN
	DELETE FROM action_routing
	WHERE channel_id = OLD.channel_id AND channel_type = 'C' AND channel_point_id = OLD.point_id;
END;

CREATE TRIGGER IF NOT EXISTS adjustment_points_cascade AFTER DELETE ON adjustment_points
BEGIN
	DELETE FROM action_routing
	WHERE channel_id = OLD.channel_id AND channel_type = 'A' AND channel_point_id = OLD.point_id;
END;
`

// Init creates the schema.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// LoadChannels reads every configured channel row.
func LoadChannels(db *sql.DB) ([]Channel, error) {
	rows, err := db.Query(`SELECT channel_id, name, protocol, enabled, params FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("store: load channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var (
			ch        Channel
			enabled   int
			paramsRaw string
			kind      string
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &kind, &enabled, &paramsRaw); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		ch.Kind = protocol.Kind(kind)
		if !ch.Kind.Valid() {
			return nil, fmt.Errorf("store: channel %d: unknown protocol %q", ch.ID, kind)
		}
		ch.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(paramsRaw), &ch.Params); err != nil {
			return nil, fmt.Errorf("store: channel %d: bad params: %w", ch.ID, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// LoadPoints builds the full point table for one channel.
func LoadPoints(db *sql.DB, channelID uint16) (*points.Table, error) {
	var all []*points.Point

	scaled := func(table string, kind rtdb.PointKind) error {
		rows, err := db.Query(fmt.Sprintf(
			`SELECT point_id, name, address, data_type, byte_order, scale, offset, unit, min_value, max_value
			 FROM %s WHERE channel_id = ? ORDER BY point_id`, table), channelID)
		if err != nil {
			return fmt.Errorf("store: load %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p        points.Point
				addrRaw  string
				dt, bo   string
				min, max sql.NullFloat64
			)
			if err := rows.Scan(&p.ID, &p.Name, &addrRaw, &dt, &bo, &p.Scale, &p.Offset, &p.Unit, &min, &max); err != nil {
				return fmt.Errorf("store: scan %s: %w", table, err)
			}
			p.ChannelID = channelID
			p.Kind = kind
			p.DataType = points.DataType(dt)
			p.ByteOrder = points.ByteOrder(bo)
			if min.Valid {
				v := min.Float64
				p.Min = &v
			}
			if max.Valid {
				v := max.Float64
				p.Max = &v
			}
			addr, err := points.ParseAddress(addrRaw)
			if err != nil {
				return fmt.Errorf("store: %s point %d: %w", table, p.ID, err)
			}
			p.Address = addr
			all = append(all, &p)
		}
		return rows.Err()
	}

	discrete := func(table string, kind rtdb.PointKind) error {
		rows, err := db.Query(fmt.Sprintf(
			`SELECT point_id, name, address, data_type FROM %s WHERE channel_id = ? ORDER BY point_id`, table), channelID)
		if err != nil {
			return fmt.Errorf("store: load %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p       points.Point
				addrRaw string
				dt      string
			)
			if err := rows.Scan(&p.ID, &p.Name, &addrRaw, &dt); err != nil {
				return fmt.Errorf("store: scan %s: %w", table, err)
			}
			p.ChannelID = channelID
			p.Kind = kind
			p.DataType = points.DataType(dt)
			addr, err := points.ParseAddress(addrRaw)
			if err != nil {
				return fmt.Errorf("store: %s point %d: %w", table, p.ID, err)
			}
			p.Address = addr
			all = append(all, &p)
		}
		return rows.Err()
	}

	if err := scaled("telemetry_points", rtdb.Telemetry); err != nil {
		return nil, err
	}
	if err := discrete("signal_points", rtdb.Signal); err != nil {
		return nil, err
	}
	if err := discrete("control_points", rtdb.Control); err != nil {
		return nil, err
	}
	if err := scaled("adjustment_points", rtdb.Adjustment); err != nil {
		return nil, err
	}
	return points.NewTable(all)
}

// =============================================================================
// WRITERS (used by monarch sync and tests)
// =============================================================================

// UpsertChannel writes one channel row.
func UpsertChannel(db *sql.DB, ch Channel) error {
	params, err := json.Marshal(ch.Params)
	if err != nil {
		return fmt.Errorf("store: encode params: %w", err)
	}
	enabled := 0
	if ch.Enabled {
		enabled = 1
	}
	_, err = db.Exec(`
		INSERT INTO channels(channel_id, name, protocol, enabled, params) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			name=excluded.name, protocol=excluded.protocol, enabled=excluded.enabled, params=excluded.params`,
		ch.ID, ch.Name, string(ch.Kind), enabled, string(params))
	return err
}

// PointIDs lists the configured point ids of one kind on one channel.
func PointIDs(db *sql.DB, kind rtdb.PointKind, channelID uint16) ([]uint32, error) {
	table := map[rtdb.PointKind]string{
		rtdb.Telemetry:  "telemetry_points",
		rtdb.Signal:     "signal_points",
		rtdb.Control:    "control_points",
		rtdb.Adjustment: "adjustment_points",
	}[kind]
	if table == "" {
		return nil, fmt.Errorf("store: bad point kind %q", kind)
	}
	rows, err := db.Query(fmt.Sprintf(`SELECT point_id FROM %s WHERE channel_id = ? ORDER BY point_id`, table), channelID)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", table, err)
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteChannelPoints clears every point table for one channel.
func DeleteChannelPoints(db *sql.DB, id uint16) error {
	for _, table := range []string{"telemetry_points", "signal_points", "control_points", "adjustment_points"} {
		if _, err := db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE channel_id = ?`, table), id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChannel removes a channel row and its points.
func DeleteChannel(db *sql.DB, id uint16) error {
	if err := DeleteChannelPoints(db, id); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM channels WHERE channel_id = ?`, id)
	return err
}

// UpsertPoint writes one point row into the table matching its kind.
func UpsertPoint(db *sql.DB, p *points.Point) error {
	addr, err := p.Address.Encode()
	if err != nil {
		return err
	}
	switch p.Kind {
	case rtdb.Telemetry, rtdb.Adjustment:
		table := "telemetry_points"
		if p.Kind == rtdb.Adjustment {
			table = "adjustment_points"
		}
		var min, max any
		if p.Min != nil {
			min = *p.Min
		}
		if p.Max != nil {
			max = *p.Max
		}
		_, err = db.Exec(fmt.Sprintf(`
			INSERT INTO %s(channel_id, point_id, name, address, data_type, byte_order, scale, offset, unit, min_value, max_value)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, point_id) DO UPDATE SET
				name=excluded.name, address=excluded.address, data_type=excluded.data_type,
				byte_order=excluded.byte_order, scale=excluded.scale, offset=excluded.offset,
				unit=excluded.unit, min_value=excluded.min_value, max_value=excluded.max_value`, table),
			p.ChannelID, p.ID, p.Name, addr, string(p.DataType), string(p.ByteOrder), p.Scale, p.Offset, p.Unit, min, max)
	case rtdb.Signal, rtdb.Control:
		table := "signal_points"
		if p.Kind == rtdb.Control {
			table = "control_points"
		}
		_, err = db.Exec(fmt.Sprintf(`
			INSERT INTO %s(channel_id, point_id, name, address, data_type) VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, point_id) DO UPDATE SET
				name=excluded.name, address=excluded.address, data_type=excluded.data_type`, table),
			p.ChannelID, p.ID, p.Name, addr, string(p.DataType))
	default:
		return fmt.Errorf("store: bad point kind %q", p.Kind)
	}
	return err
}

// DeletePoint removes one point row.
func DeletePoint(db *sql.DB, kind rtdb.PointKind, channelID uint16, pointID uint32) error {
	table := map[rtdb.PointKind]string{
		rtdb.Telemetry:  "telemetry_points",
		rtdb.Signal:     "signal_points",
		rtdb.Control:    "control_points",
		rtdb.Adjustment: "adjustment_points",
	}[kind]
	if table == "" {
		return fmt.Errorf("store: bad point kind %q", kind)
	}
	_, err := db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE channel_id = ? AND point_id = ?`, table), channelID, pointID)
	return err
}

// SetSyncMarker records a sync version marker.
func SetSyncMarker(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_metadata(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}
