package model

import (
	"encoding/json"
	"fmt"

	"github.com/voltgrid/voltgrid/rtdb"
)

// Mapping routes a product point name to a concrete channel point.
type Mapping struct {
	ChannelID uint16         `json:"channel_id"`
	Kind      rtdb.PointKind `json:"channel_type"`
	PointID   uint32         `json:"channel_point_id"`
}

// Instance is a runtime object of a product. Traversal to parents goes
// through numeric ids resolved against the instance map, never through
// object references.
type Instance struct {
	ID         uint16
	Name       string
	Product    string
	ParentID   *uint16
	Properties map[string]any

	Measurements map[string]Mapping
	Actions      map[string]Mapping

	// Unmapped lists product measurements with no routing row, e.g. after a
	// point deletion cascaded through the config store. The instance keeps
	// serving its mapped points.
	Unmapped []string
}

// Resolve checks the instance against its resolved product: every product
// measurement either maps or lands in Unmapped.
func (i *Instance) Resolve(p *Product) {
	i.Unmapped = i.Unmapped[:0]
	for _, m := range p.Measurements {
		if _, ok := i.Measurements[m]; !ok {
			i.Unmapped = append(i.Unmapped, m)
		}
	}
	// Property defaults fill gaps without overwriting instance values.
	if i.Properties == nil {
		i.Properties = make(map[string]any)
	}
	for k, v := range p.Properties {
		if _, ok := i.Properties[k]; !ok {
			i.Properties[k] = v
		}
	}
}

// PropertiesJSON renders the property object for storage.
func (i *Instance) PropertiesJSON() (string, error) {
	b, err := json.Marshal(i.Properties)
	if err != nil {
		return "", fmt.Errorf("model: encode properties of %d: %w", i.ID, err)
	}
	return string(b), nil
}

// ParseProperties decodes the stored property object.
func ParseProperties(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("model: bad properties json: %w", err)
	}
	return out, nil
}

// InstanceMap resolves numeric ids to instances.
type InstanceMap struct {
	byID map[uint16]*Instance
}

// NewInstanceMap builds the central id resolver.
func NewInstanceMap() *InstanceMap {
	return &InstanceMap{byID: make(map[uint16]*Instance)}
}

// Get resolves an id.
func (m *InstanceMap) Get(id uint16) (*Instance, bool) {
	i, ok := m.byID[id]
	return i, ok
}

// Put installs an instance.
func (m *InstanceMap) Put(i *Instance) { m.byID[i.ID] = i }

// Remove deletes an instance.
func (m *InstanceMap) Remove(id uint16) { delete(m.byID, id) }

// IDs returns the ids present.
func (m *InstanceMap) IDs() []uint16 {
	out := make([]uint16, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, id)
	}
	return out
}

// Parent resolves the parent instance, if any.
func (m *InstanceMap) Parent(i *Instance) (*Instance, bool) {
	if i.ParentID == nil {
		return nil, false
	}
	return m.Get(*i.ParentID)
}
