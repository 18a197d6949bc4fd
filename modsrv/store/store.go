// Package store owns the modsrv SQLite configuration schema: the product
// library, instances, routing tables, and calculations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/voltgrid/voltgrid/modsrv/calc"
	"github.com/voltgrid/voltgrid/modsrv/model"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Schema creates the modsrv tables when absent.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	product_name TEXT PRIMARY KEY,
	parent_name TEXT
);

CREATE TABLE IF NOT EXISTS measurement_points (
	product_name TEXT NOT NULL,
	point_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(product_name, point_name)
);

CREATE TABLE IF NOT EXISTS action_points (
	product_name TEXT NOT NULL,
	point_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(product_name, point_name)
);

CREATE TABLE IF NOT EXISTS property_templates (
	product_name TEXT NOT NULL,
	property_name TEXT NOT NULL,
	default_value TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(product_name, property_name)
);

CREATE TABLE IF NOT EXISTS instances (
	instance_id INTEGER PRIMARY KEY,
	instance_name TEXT NOT NULL,
	product_name TEXT NOT NULL REFERENCES products(product_name),
	parent_id INTEGER,
	properties TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS measurement_routing (
	instance_id INTEGER NOT NULL,
	measurement_name TEXT NOT NULL,
	channel_id INTEGER NOT NULL,
	channel_type TEXT NOT NULL,
	channel_point_id INTEGER NOT NULL,
	PRIMARY KEY(instance_id, measurement_name)
);

CREATE TABLE IF NOT EXISTS action_routing (
	instance_id INTEGER NOT NULL,
	action_name TEXT NOT NULL,
	channel_id INTEGER NOT NULL,
	channel_type TEXT NOT NULL,
	channel_point_id INTEGER NOT NULL,
	PRIMARY KEY(instance_id, action_name)
);

CREATE TABLE IF NOT EXISTS calculations (
	product_name TEXT NOT NULL,
	output_name TEXT NOT NULL,
	output_kind TEXT NOT NULL DEFAULT 'measurement',
	formula TEXT NOT NULL,
	inputs TEXT NOT NULL DEFAULT '{}',
	trigger TEXT NOT NULL DEFAULT 'event',
	interval_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(product_name, output_name)
);

CREATE TABLE IF NOT EXISTS product_library_meta (
	version TEXT NOT NULL
);
`

// Init creates the schema.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("store: init modsrv schema: %w", err)
	}
	return nil
}

// LoadCatalog reads the product library and resolves inheritance.
func LoadCatalog(db *sql.DB) (*model.Catalog, error) {
	rows, err := db.Query(`SELECT product_name, COALESCE(parent_name, '') FROM products`)
	if err != nil {
		return nil, fmt.Errorf("store: load products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.Name, &p.Parent); err != nil {
			return nil, err
		}
		p.Properties = make(map[string]any)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	index := make(map[string]*model.Product, len(products))
	for i := range products {
		index[products[i].Name] = &products[i]
	}

	fill := func(table, col string, into func(p *model.Product, name string)) error {
		rows, err := db.Query(fmt.Sprintf(`SELECT product_name, %s FROM %s`, col, table))
		if err != nil {
			return fmt.Errorf("store: load %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var product, name string
			if err := rows.Scan(&product, &name); err != nil {
				return err
			}
			if p, ok := index[product]; ok {
				into(p, name)
			}
		}
		return rows.Err()
	}

	if err := fill("measurement_points", "point_name", func(p *model.Product, n string) {
		p.Measurements = append(p.Measurements, n)
	}); err != nil {
		return nil, err
	}
	if err := fill("action_points", "point_name", func(p *model.Product, n string) {
		p.Actions = append(p.Actions, n)
	}); err != nil {
		return nil, err
	}

	propRows, err := db.Query(`SELECT product_name, property_name, default_value FROM property_templates`)
	if err != nil {
		return nil, fmt.Errorf("store: load property_templates: %w", err)
	}
	defer propRows.Close()
	for propRows.Next() {
		var product, name, raw string
		if err := propRows.Scan(&product, &name, &raw); err != nil {
			return nil, err
		}
		p, ok := index[product]
		if !ok {
			continue
		}
		var v any
		if json.Unmarshal([]byte(raw), &v) == nil {
			p.Properties[name] = v
		} else {
			p.Properties[name] = raw
		}
	}
	if err := propRows.Err(); err != nil {
		return nil, err
	}

	version := ""
	_ = db.QueryRow(`SELECT version FROM product_library_meta LIMIT 1`).Scan(&version)

	return model.BuildCatalog(products, version)
}

// LoadInstances reads every instance with its routing tables.
func LoadInstances(db *sql.DB) ([]*model.Instance, error) {
	rows, err := db.Query(`SELECT instance_id, instance_name, product_name, parent_id, properties FROM instances ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("store: load instances: %w", err)
	}
	defer rows.Close()

	byID := make(map[uint16]*model.Instance)
	var out []*model.Instance
	for rows.Next() {
		var (
			inst   model.Instance
			parent sql.NullInt64
			props  string
		)
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Product, &parent, &props); err != nil {
			return nil, err
		}
		if parent.Valid {
			pid := uint16(parent.Int64)
			inst.ParentID = &pid
		}
		inst.Properties, err = model.ParseProperties(props)
		if err != nil {
			return nil, fmt.Errorf("store: instance %d: %w", inst.ID, err)
		}
		inst.Measurements = make(map[string]model.Mapping)
		inst.Actions = make(map[string]model.Mapping)
		byID[inst.ID] = &inst
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	routing := func(table, nameCol string, into func(i *model.Instance, name string, m model.Mapping)) error {
		rows, err := db.Query(fmt.Sprintf(
			`SELECT instance_id, %s, channel_id, channel_type, channel_point_id FROM %s`, nameCol, table))
		if err != nil {
			return fmt.Errorf("store: load %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id   uint16
				name string
				m    model.Mapping
				kind string
			)
			if err := rows.Scan(&id, &name, &m.ChannelID, &kind, &m.PointID); err != nil {
				return err
			}
			m.Kind = rtdb.PointKind(kind)
			if inst, ok := byID[id]; ok {
				into(inst, name, m)
			}
		}
		return rows.Err()
	}

	if err := routing("measurement_routing", "measurement_name", func(i *model.Instance, n string, m model.Mapping) {
		i.Measurements[n] = m
	}); err != nil {
		return nil, err
	}
	if err := routing("action_routing", "action_name", func(i *model.Instance, n string, m model.Mapping) {
		i.Actions[n] = m
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// CalculationRow is one stored calculation template, instantiated per
// instance of its product.
type CalculationRow struct {
	Product    string
	Output     string
	Kind       calc.OutputKind
	Formula    string
	Inputs     map[string]string // variable -> measurement/property name reference
	Periodic   bool
	IntervalMs int
}

// LoadCalculations reads the calculation templates.
func LoadCalculations(db *sql.DB) ([]CalculationRow, error) {
	rows, err := db.Query(`SELECT product_name, output_name, output_kind, formula, inputs, trigger, interval_ms FROM calculations`)
	if err != nil {
		return nil, fmt.Errorf("store: load calculations: %w", err)
	}
	defer rows.Close()

	var out []CalculationRow
	for rows.Next() {
		var (
			row       CalculationRow
			kind      string
			inputsRaw string
			trigger   string
		)
		if err := rows.Scan(&row.Product, &row.Output, &kind, &row.Formula, &inputsRaw, &trigger, &row.IntervalMs); err != nil {
			return nil, err
		}
		row.Kind = calc.OutputKind(kind)
		row.Periodic = trigger == "periodic"
		if err := json.Unmarshal([]byte(inputsRaw), &row.Inputs); err != nil {
			return nil, fmt.Errorf("store: calculation %s.%s: bad inputs: %w", row.Product, row.Output, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITERS (monarch sync and tests)
// =============================================================================

// UpsertProduct writes one product row with its points and properties.
func UpsertProduct(db *sql.DB, p model.Product) error {
	var parent any
	if p.Parent != "" {
		parent = p.Parent
	}
	if _, err := db.Exec(`
		INSERT INTO products(product_name, parent_name) VALUES(?, ?)
		ON CONFLICT(product_name) DO UPDATE SET parent_name=excluded.parent_name`, p.Name, parent); err != nil {
		return err
	}
	for _, m := range p.Measurements {
		if _, err := db.Exec(`
			INSERT INTO measurement_points(product_name, point_name) VALUES(?, ?)
			ON CONFLICT(product_name, point_name) DO NOTHING`, p.Name, m); err != nil {
			return err
		}
	}
	for _, a := range p.Actions {
		if _, err := db.Exec(`
			INSERT INTO action_points(product_name, point_name) VALUES(?, ?)
			ON CONFLICT(product_name, point_name) DO NOTHING`, p.Name, a); err != nil {
			return err
		}
	}
	for name, def := range p.Properties {
		raw, err := json.Marshal(def)
		if err != nil {
			return err
		}
		if _, err := db.Exec(`
			INSERT INTO property_templates(product_name, property_name, default_value) VALUES(?, ?, ?)
			ON CONFLICT(product_name, property_name) DO UPDATE SET default_value=excluded.default_value`,
			p.Name, name, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

// UpsertInstance writes one instance with its routing rows.
func UpsertInstance(db *sql.DB, inst *model.Instance) error {
	props, err := inst.PropertiesJSON()
	if err != nil {
		return err
	}
	var parent any
	if inst.ParentID != nil {
		parent = *inst.ParentID
	}
	if _, err := db.Exec(`
		INSERT INTO instances(instance_id, instance_name, product_name, parent_id, properties) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			instance_name=excluded.instance_name, product_name=excluded.product_name,
			parent_id=excluded.parent_id, properties=excluded.properties`,
		inst.ID, inst.Name, inst.Product, parent, props); err != nil {
		return err
	}
	// Routing rows mirror the instance wholesale: names dropped from the
	// mapping set must not linger as stale rows.
	if _, err := db.Exec(`DELETE FROM measurement_routing WHERE instance_id = ?`, inst.ID); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM action_routing WHERE instance_id = ?`, inst.ID); err != nil {
		return err
	}
	for name, m := range inst.Measurements {
		if _, err := db.Exec(`
			INSERT INTO measurement_routing(instance_id, measurement_name, channel_id, channel_type, channel_point_id)
			VALUES(?, ?, ?, ?, ?)`,
			inst.ID, name, m.ChannelID, string(m.Kind), m.PointID); err != nil {
			return err
		}
	}
	for name, m := range inst.Actions {
		if _, err := db.Exec(`
			INSERT INTO action_routing(instance_id, action_name, channel_id, channel_type, channel_point_id)
			VALUES(?, ?, ?, ?, ?)`,
			inst.ID, name, m.ChannelID, string(m.Kind), m.PointID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteInstance removes an instance and its routing rows.
func DeleteInstance(db *sql.DB, id uint16) error {
	for _, stmt := range []string{
		`DELETE FROM measurement_routing WHERE instance_id = ?`,
		`DELETE FROM action_routing WHERE instance_id = ?`,
		`DELETE FROM instances WHERE instance_id = ?`,
	} {
		if _, err := db.Exec(stmt, id); err != nil {
			return err
		}
	}
	return nil
}

// UpsertCalculation writes one calculation template.
func UpsertCalculation(db *sql.DB, row CalculationRow) error {
	inputs, err := json.Marshal(row.Inputs)
	if err != nil {
		return err
	}
	trigger := "event"
	if row.Periodic {
		trigger = "periodic"
	}
	_, err = db.Exec(`
		INSERT INTO calculations(product_name, output_name, output_kind, formula, inputs, trigger, interval_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_name, output_name) DO UPDATE SET
			output_kind=excluded.output_kind, formula=excluded.formula, inputs=excluded.inputs,
			trigger=excluded.trigger, interval_ms=excluded.interval_ms`,
		row.Product, row.Output, string(row.Kind), row.Formula, string(inputs), trigger, row.IntervalMs)
	return err
}

// SetLibraryVersion records the product library version marker.
func SetLibraryVersion(db *sql.DB, version string) error {
	if _, err := db.Exec(`DELETE FROM product_library_meta`); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT INTO product_library_meta(version) VALUES(?)`, version)
	return err
}
