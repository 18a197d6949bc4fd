// Package config loads per-service configuration from the service's SQLite
// database and the process environment.
//
// Every service carries a service_config table with dotted keys
// ("service.port", "redis.url") and typed values. The environment overrides
// the database: SERVICE_PORT / <SERVICE>_PORT for the listen port,
// DATABASE_DIR / <SERVICE>_DB_PATH for the database location, REDIS_URL for
// the bus.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"
)

// ErrDatabaseMissing is returned when the service database does not exist.
// Startup maps this to exit code 1 with operator guidance to run monarch sync.
var ErrDatabaseMissing = errors.New("config: service database not found (run `monarch sync` first)")

// Entry is one row of service_config.
type Entry struct {
	Key         string
	Value       string
	Type        string // string, int, float, bool, json
	Description string
}

// ServiceConfig is the loaded configuration for one service.
type ServiceConfig struct {
	Service string
	entries map[string]Entry
}

// LoadEnvFile loads a .env file when present. Missing files are not an error.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// DBPath resolves the service's database path: <SERVICE>_DB_PATH wins, then
// DATABASE_DIR/{service}.db, then ./{service}.db.
func DBPath(service string) string {
	if p := os.Getenv(strings.ToUpper(service) + "_DB_PATH"); p != "" {
		return p
	}
	dir := os.Getenv("DATABASE_DIR")
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, service+".db")
}

// Open opens the service database, failing with ErrDatabaseMissing if the
// file does not exist.
func Open(service string) (*sql.DB, error) {
	path := DBPath(service)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseMissing, path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	// SQLite allows one writer; reads share the pool.
	db.SetMaxOpenConns(4)
	return db, nil
}

// InitSchema creates the service_config table when absent. Used by monarch
// and by tests; services themselves never mutate schema.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS service_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT DEFAULT 'string',
			description TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

// Load reads service_config into memory.
func Load(db *sql.DB, service string) (*ServiceConfig, error) {
	rows, err := db.Query(`SELECT key, value, type, COALESCE(description, '') FROM service_config`)
	if err != nil {
		return nil, fmt.Errorf("config: load service_config: %w", err)
	}
	defer rows.Close()

	cfg := &ServiceConfig{Service: service, entries: make(map[string]Entry)}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Type, &e.Description); err != nil {
			return nil, fmt.Errorf("config: scan service_config: %w", err)
		}
		cfg.entries[e.Key] = e
	}
	return cfg, rows.Err()
}

// Set upserts one entry. Used by monarch sync and tests.
func Set(db *sql.DB, key, value, typ string) error {
	_, err := db.Exec(`
		INSERT INTO service_config(key, value, type, updated_at) VALUES(?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, type=excluded.type, updated_at=CURRENT_TIMESTAMP`,
		key, value, typ)
	return err
}

// String returns the value for key, or def when absent.
func (c *ServiceConfig) String(key, def string) string {
	if e, ok := c.entries[key]; ok {
		return e.Value
	}
	return def
}

// Int returns the integer value for key, or def when absent or malformed.
func (c *ServiceConfig) Int(key string, def int) int {
	e, ok := c.entries[key]
	if !ok {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(e.Value))
	if err != nil {
		return def
	}
	return v
}

// Float returns the float value for key, or def.
func (c *ServiceConfig) Float(key string, def float64) float64 {
	e, ok := c.entries[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(e.Value), 64)
	if err != nil {
		return def
	}
	return v
}

// Bool returns the boolean value for key, or def.
func (c *ServiceConfig) Bool(key string, def bool) bool {
	e, ok := c.entries[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(e.Value)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// Port resolves the service listen port: SERVICE_PORT, then <SERVICE>_PORT,
// then the configured "service.port", then def.
func (c *ServiceConfig) Port(def int) int {
	if p := os.Getenv("SERVICE_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			return v
		}
	}
	if p := os.Getenv(strings.ToUpper(c.Service) + "_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			return v
		}
	}
	return c.Int("service.port", def)
}

// RedisURL resolves the bus URL: REDIS_URL, then "redis.url", then the
// local default.
func (c *ServiceConfig) RedisURL() string {
	if u := os.Getenv("REDIS_URL"); u != "" {
		return u
	}
	return c.String("redis.url", "redis://127.0.0.1:6379/0")
}
