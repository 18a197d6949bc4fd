// Package reload defines the cross-service configuration reload contract.
//
// A management tool mutates a service's SQLite configuration and issues a
// reload RPC; the service diffs the configured set against its runtime set
// and applies the differences entity by entity. A reload never partially
// succeeds globally — it reports per-entity results.
package reload

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/observability"
)

// ChangeType classifies an entity update by severity, ordered weakest first.
type ChangeType int

const (
	// NoChange means old and new configuration are identical.
	NoChange ChangeType = iota
	// ConfigUpdate is a property or parameter tweak applied in place.
	ConfigUpdate
	// StructuralUpdate re-wires internal structure (point tables, mappings)
	// with a transient blank period but no restart.
	StructuralUpdate
	// ProtocolRestartRequired needs a full stop/start of the entity.
	ProtocolRestartRequired
)

func (c ChangeType) String() string {
	switch c {
	case NoChange:
		return "no_change"
	case ConfigUpdate:
		return "config_update"
	case StructuralUpdate:
		return "structural_update"
	case ProtocolRestartRequired:
		return "protocol_restart_required"
	}
	return fmt.Sprintf("ChangeType(%d)", int(c))
}

// EntityError records one per-entity failure inside an otherwise completed
// reload.
type EntityError struct {
	ID     string `json:"id"`
	Action string `json:"action"` // add, update, remove
	Error  string `json:"error"`
}

// Result is the per-entity outcome of one reload pass.
type Result struct {
	Added      []string      `json:"added"`
	Updated    []string      `json:"updated"`
	Removed    []string      `json:"removed"`
	Errors     []EntityError `json:"errors"`
	DurationMs int64         `json:"duration_ms"`
}

// Empty reports whether the reload was a no-op (idempotent re-run).
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0 && len(r.Errors) == 0
}

// Service is implemented by every reloadable service core.
type Service interface {
	// ReloadFromDatabase loads the configured set from the pool, diffs it
	// against the runtime set, and applies the differences.
	ReloadFromDatabase(ctx context.Context, pool *sql.DB) (Result, error)
}

// Run wraps a reload body with timing, metrics, and tracing. The body
// receives the traced context and returns the populated Result; Run fills in
// DurationMs.
func Run(ctx context.Context, service string, log logging.Logger, body func(ctx context.Context) (Result, error)) (Result, error) {
	tracer := observability.Tracer("voltgrid/reload")
	ctx, span := tracer.Start(ctx, service+".reload")
	defer span.End()

	start := time.Now()
	res, err := body(ctx)
	res.DurationMs = time.Since(start).Milliseconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case len(res.Errors) > 0:
		status = "partial"
	}
	observability.Reload(service, status, time.Since(start).Seconds())

	if err != nil {
		log.Error("reload_failed", "error", err.Error(), "duration_ms", res.DurationMs)
		return res, err
	}
	log.Info("reload_completed",
		"added", len(res.Added), "updated", len(res.Updated), "removed", len(res.Removed),
		"errors", len(res.Errors), "duration_ms", res.DurationMs)
	return res, nil
}

// Diff computes the id-level set difference between the runtime set and the
// configured set.
func Diff(running, configured []string) (toAdd, toRemove, toUpdate []string) {
	runSet := make(map[string]bool, len(running))
	for _, id := range running {
		runSet[id] = true
	}
	cfgSet := make(map[string]bool, len(configured))
	for _, id := range configured {
		cfgSet[id] = true
	}
	for _, id := range configured {
		if runSet[id] {
			toUpdate = append(toUpdate, id)
		} else {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range running {
		if !cfgSet[id] {
			toRemove = append(toRemove, id)
		}
	}
	return toAdd, toRemove, toUpdate
}
