// Package rules stores the rule engine's configuration and bridges the RTDB
// change stream into the server-side rule evaluation functions. The rule
// engine itself runs inside the bus; this package owns its persisted form
// and the trigger path.
package rules

import (
	"database/sql"
	"fmt"
	"time"
)

// Rule is one stored rule. NodesJSON is the compact executable form the
// server-side evaluator consumes; FlowJSON is the round-trippable editor
// form.
type Rule struct {
	ID         string
	Enabled    bool
	Priority   int
	CooldownMs int
	NodesJSON  string
	FlowJSON   string
	Format     string
}

// Schema creates the rulesrv tables when absent.
const Schema = `
CREATE TABLE IF NOT EXISTS rules (
	rule_id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	cooldown_ms INTEGER NOT NULL DEFAULT 0,
	nodes_json TEXT NOT NULL,
	flow_json TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT 'v1'
);

CREATE TABLE IF NOT EXISTS rule_history (
	rule_id TEXT NOT NULL,
	triggered_at TIMESTAMP NOT NULL,
	outcome TEXT NOT NULL
);
`

// Repository is the SQLite-backed rule store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates the repository, initializing the schema.
func NewRepository(db *sql.DB) (*Repository, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("rules: init schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Save upserts one rule.
func (r *Repository) Save(rule Rule) error {
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	_, err := r.db.Exec(`
		INSERT INTO rules(rule_id, enabled, priority, cooldown_ms, nodes_json, flow_json, format)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			enabled=excluded.enabled, priority=excluded.priority, cooldown_ms=excluded.cooldown_ms,
			nodes_json=excluded.nodes_json, flow_json=excluded.flow_json, format=excluded.format`,
		rule.ID, enabled, rule.Priority, rule.CooldownMs, rule.NodesJSON, rule.FlowJSON, rule.Format)
	return err
}

// Get fetches one rule.
func (r *Repository) Get(id string) (Rule, error) {
	var (
		rule    Rule
		enabled int
	)
	err := r.db.QueryRow(`
		SELECT rule_id, enabled, priority, cooldown_ms, nodes_json, flow_json, format
		FROM rules WHERE rule_id = ?`, id).
		Scan(&rule.ID, &enabled, &rule.Priority, &rule.CooldownMs, &rule.NodesJSON, &rule.FlowJSON, &rule.Format)
	if err != nil {
		return Rule{}, err
	}
	rule.Enabled = enabled != 0
	return rule, nil
}

// ListEnabled returns the enabled rules by descending priority.
func (r *Repository) ListEnabled() ([]Rule, error) {
	rows, err := r.db.Query(`
		SELECT rule_id, enabled, priority, cooldown_ms, nodes_json, flow_json, format
		FROM rules WHERE enabled = 1 ORDER BY priority DESC, rule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			rule    Rule
			enabled int
		)
		if err := rows.Scan(&rule.ID, &enabled, &rule.Priority, &rule.CooldownMs, &rule.NodesJSON, &rule.FlowJSON, &rule.Format); err != nil {
			return nil, err
		}
		rule.Enabled = enabled != 0
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SetEnabled toggles one rule.
func (r *Repository) SetEnabled(id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := r.db.Exec(`UPDATE rules SET enabled = ? WHERE rule_id = ?`, v, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes one rule and its history.
func (r *Repository) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM rule_history WHERE rule_id = ?`, id); err != nil {
		return err
	}
	_, err := r.db.Exec(`DELETE FROM rules WHERE rule_id = ?`, id)
	return err
}

// RecordTrigger appends one firing to the history.
func (r *Repository) RecordTrigger(id, outcome string, at time.Time) error {
	_, err := r.db.Exec(`INSERT INTO rule_history(rule_id, triggered_at, outcome) VALUES(?, ?, ?)`,
		id, at.UTC(), outcome)
	return err
}

// History returns the most recent firings of one rule.
func (r *Repository) History(id string, limit int) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT outcome FROM rule_history WHERE rule_id = ? ORDER BY triggered_at DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
