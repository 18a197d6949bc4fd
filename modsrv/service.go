// Package modsrv wires the model service: the product catalog, the runtime
// instance map, the calculation engine, and the management HTTP API.
package modsrv

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/modsrv/calc"
	"github.com/voltgrid/voltgrid/modsrv/model"
	"github.com/voltgrid/voltgrid/modsrv/store"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Service is the model service core. It implements calc.Resolver over the
// instance map.
type Service struct {
	log    logging.Logger
	client rtdb.Client
	db     *sql.DB
	engine *calc.Engine

	mu        sync.RWMutex
	catalog   *model.Catalog
	instances *model.InstanceMap

	runCtx context.Context
}

// New creates the service. Call Reload to populate it from the store.
func New(ctx context.Context, db *sql.DB, client rtdb.Client, cfg calc.Config, log logging.Logger) *Service {
	s := &Service{
		log:       log.Bind("component", "modsrv"),
		client:    client,
		db:        db,
		instances: model.NewInstanceMap(),
		runCtx:    ctx,
	}
	s.engine = calc.NewEngine(client, s, cfg, log)
	return s
}

// Engine exposes the calculation engine.
func (s *Service) Engine() *calc.Engine { return s.engine }

// Start launches the calculation loop.
func (s *Service) Start() error { return s.engine.Start(s.runCtx) }

// Shutdown stops the calculation loop.
func (s *Service) Shutdown() {
	s.engine.Stop()
	s.log.Info("modsrv_shutdown_complete")
}

// =============================================================================
// calc.Resolver
// =============================================================================

// Property resolves an instance property, walking up the parent chain when
// the instance itself does not carry it.
func (s *Service) Property(instanceID uint16, name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances.Get(instanceID)
	for ok {
		if v, has := inst.Properties[name]; has {
			return v, true
		}
		inst, ok = s.instances.Parent(inst)
	}
	return nil, false
}

// Measurement resolves an instance measurement to its raw point.
func (s *Service) Measurement(instanceID uint16, name string) (calc.RawRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances.Get(instanceID)
	if !ok {
		return calc.RawRef{}, false
	}
	m, ok := inst.Measurements[name]
	if !ok {
		return calc.RawRef{}, false
	}
	return calc.RawRef{ChannelID: m.ChannelID, Kind: m.Kind, PointID: m.PointID}, true
}

// Instance returns a runtime instance snapshot.
func (s *Service) Instance(id uint16) (*model.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances.Get(id)
}

// InstanceIDs returns the runtime instance ids.
func (s *Service) InstanceIDs() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances.IDs()
}

// Catalog returns the resolved product catalog.
func (s *Service) Catalog() *model.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// =============================================================================
// BINDING REFERENCES
// =============================================================================

// parseBinding decodes a stored input reference:
//
//	measurement:<name>            instance measurement via routing
//	property:<name>               instance property
//	raw:<channel>:<kind>:<point>  raw bus point
//	virtual:<model>:<name>        another calculation's output
//
// An optional "?default=<number>" suffix substitutes for missing inputs.
func parseBinding(instanceID uint16, ref string) (calc.Binding, error) {
	var b calc.Binding
	if base, query, found := strings.Cut(ref, "?"); found {
		if val, ok := strings.CutPrefix(query, "default="); ok {
			d, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return b, fmt.Errorf("modsrv: bad default in %q: %w", ref, err)
			}
			b.Default = &d
		}
		ref = base
	}

	parts := strings.Split(ref, ":")
	switch parts[0] {
	case "measurement":
		if len(parts) != 2 {
			return b, fmt.Errorf("modsrv: bad measurement ref %q", ref)
		}
		b.Measurement = &calc.MeasurementRef{InstanceID: instanceID, Name: parts[1]}
	case "property":
		if len(parts) != 2 {
			return b, fmt.Errorf("modsrv: bad property ref %q", ref)
		}
		b.Property = &calc.PropertyRef{InstanceID: instanceID, Name: parts[1]}
	case "raw":
		if len(parts) != 4 {
			return b, fmt.Errorf("modsrv: bad raw ref %q", ref)
		}
		ch, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return b, fmt.Errorf("modsrv: bad channel in %q: %w", ref, err)
		}
		kind := rtdb.PointKind(parts[2])
		if !kind.Valid() {
			return b, fmt.Errorf("modsrv: bad kind in %q", ref)
		}
		pt, err := strconv.ParseUint(parts[3], 10, 32)
		if err != nil {
			return b, fmt.Errorf("modsrv: bad point in %q: %w", ref, err)
		}
		b.Raw = &calc.RawRef{ChannelID: uint16(ch), Kind: kind, PointID: uint32(pt)}
	case "virtual":
		if len(parts) != 3 {
			return b, fmt.Errorf("modsrv: bad virtual ref %q", ref)
		}
		b.Virtual = &calc.VirtualRef{Model: parts[1], Name: parts[2]}
	default:
		return b, fmt.Errorf("modsrv: unknown binding ref %q", ref)
	}
	return b, nil
}

// registerInstanceCalcs instantiates the product's calculation templates for
// one instance.
func (s *Service) registerInstanceCalcs(inst *model.Instance, rows []store.CalculationRow) error {
	for _, row := range rows {
		if row.Product != inst.Product {
			continue
		}
		inputs := make(map[string]calc.Binding, len(row.Inputs))
		var err error
		for name, ref := range row.Inputs {
			inputs[name], err = parseBinding(inst.ID, ref)
			if err != nil {
				return err
			}
		}
		c := &calc.Calculation{
			Model:   inst.Name,
			Output:  row.Output,
			Kind:    row.Kind,
			Formula: row.Formula,
			Inputs:  inputs,
		}
		if row.Periodic {
			c.Trigger = calc.Trigger{Periodic: millis(row.IntervalMs)}
		}
		if err := s.engine.Register(c); err != nil {
			return err
		}
	}
	return nil
}
