// Package monarch is the management tool core: the single source of truth
// translator between declarative configuration and each service's SQLite
// database plus reload RPC.
//
// Two modes are supported and must produce identical observable results:
// online (HTTP to the running service) and offline/lib (direct database
// access plus an in-process call to the service's reload function).
package monarch

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/modsrv/model"
	"github.com/voltgrid/voltgrid/modsrv/store"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Config is the declarative configuration monarch syncs from. Files and
// cloud-pushed payloads share this shape.
type Config struct {
	Comsrv *ComsrvConfig `json:"comsrv,omitempty"`
	Modsrv *ModsrvConfig `json:"modsrv,omitempty"`

	// ServiceConfig holds dotted-key service_config entries per service.
	ServiceConfig map[string]map[string]TypedValue `json:"service_config,omitempty"`
}

// TypedValue is one service_config entry.
type TypedValue struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"` // string, int, float, bool, json
}

// ComsrvConfig declares channels and points.
type ComsrvConfig struct {
	Channels []ChannelConfig `json:"channels"`
}

// ChannelConfig declares one channel with its point tables.
type ChannelConfig struct {
	ChannelID uint16          `json:"channel_id"`
	Name      string          `json:"name"`
	Protocol  protocol.Kind   `json:"protocol"`
	Enabled   bool            `json:"enabled"`
	Params    protocol.Params `json:"params"`

	Telemetry   []PointConfig `json:"telemetry,omitempty"`
	Signals     []PointConfig `json:"signals,omitempty"`
	Controls    []PointConfig `json:"controls,omitempty"`
	Adjustments []PointConfig `json:"adjustments,omitempty"`
}

// PointConfig declares one point.
type PointConfig struct {
	PointID   uint32           `json:"point_id"`
	Name      string           `json:"name,omitempty"`
	Address   points.Address   `json:"address"`
	DataType  points.DataType  `json:"data_type"`
	ByteOrder points.ByteOrder `json:"byte_order,omitempty"`
	Scale     float64          `json:"scale,omitempty"`
	Offset    float64          `json:"offset,omitempty"`
	Unit      string           `json:"unit,omitempty"`
	Min       *float64         `json:"min,omitempty"`
	Max       *float64         `json:"max,omitempty"`
}

// ModsrvConfig declares the product library and instances.
type ModsrvConfig struct {
	LibraryVersion string                `json:"library_version,omitempty"`
	Products       []ProductConfig       `json:"products,omitempty"`
	Instances      []InstanceConfig      `json:"instances,omitempty"`
	Calculations   []store.CalculationRow `json:"calculations,omitempty"`
}

// ProductConfig declares one product template.
type ProductConfig struct {
	Name         string         `json:"name"`
	Parent       string         `json:"parent,omitempty"`
	Measurements []string       `json:"measurements,omitempty"`
	Actions      []string       `json:"actions,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// InstanceConfig declares one instance with its routing.
type InstanceConfig struct {
	InstanceID   uint16                   `json:"instance_id"`
	Name         string                   `json:"name"`
	Product      string                   `json:"product"`
	ParentID     *uint16                  `json:"parent_id,omitempty"`
	Properties   map[string]any           `json:"properties,omitempty"`
	Measurements map[string]model.Mapping `json:"measurements,omitempty"`
	Actions      map[string]model.Mapping `json:"actions,omitempty"`
}

// LoadConfigFile reads and validates a declarative configuration file.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("monarch: read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("monarch: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks referential integrity inside the declaration: instance
// mappings must reference declared channel points of the matching kind, and
// instance products must exist. All violations are reported together.
func (c *Config) Validate() error {
	var errs *multierror.Error
	pointSet := make(map[string]bool)
	if c.Comsrv != nil {
		for _, ch := range c.Comsrv.Channels {
			if !ch.Protocol.Valid() {
				errs = multierror.Append(errs, fmt.Errorf("monarch: channel %d: unknown protocol %q", ch.ChannelID, ch.Protocol))
			}
			register := func(kind rtdb.PointKind, pts []PointConfig) {
				for _, p := range pts {
					pointSet[fmt.Sprintf("%d:%s:%d", ch.ChannelID, kind, p.PointID)] = true
				}
			}
			register(rtdb.Telemetry, ch.Telemetry)
			register(rtdb.Signal, ch.Signals)
			register(rtdb.Control, ch.Controls)
			register(rtdb.Adjustment, ch.Adjustments)
		}
	}

	if c.Modsrv == nil {
		return errs.ErrorOrNil()
	}
	products := make(map[string]bool, len(c.Modsrv.Products))
	for _, p := range c.Modsrv.Products {
		products[p.Name] = true
	}
	for _, inst := range c.Modsrv.Instances {
		if !products[inst.Product] {
			errs = multierror.Append(errs, fmt.Errorf("monarch: instance %d references unknown product %q", inst.InstanceID, inst.Product))
		}
		// Mappings are checked only when the comsrv side is declared in the
		// same file; a partial declaration defers to the modsrv reload's
		// unmapped-point handling.
		if c.Comsrv == nil {
			continue
		}
		for name, m := range inst.Measurements {
			key := fmt.Sprintf("%d:%s:%d", m.ChannelID, m.Kind, m.PointID)
			if !pointSet[key] {
				errs = multierror.Append(errs, fmt.Errorf("monarch: instance %d measurement %q references missing point %s", inst.InstanceID, name, key))
			}
		}
		for name, m := range inst.Actions {
			key := fmt.Sprintf("%d:%s:%d", m.ChannelID, m.Kind, m.PointID)
			if !pointSet[key] {
				errs = multierror.Append(errs, fmt.Errorf("monarch: instance %d action %q references missing point %s", inst.InstanceID, name, key))
			}
		}
	}
	return errs.ErrorOrNil()
}
