package coreserver

import (
	"sort"

	"habridge/internal/entity"
)

// wireEntity is the Core wire shape of an available entity, grounded on
// original_source/src/server/ws/api_messages.rs's AvailableEntity.
type wireEntity struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	DeviceClass string            `json:"device_class,omitempty"`
	Name        map[string]string `json:"name"`
	Features    []string          `json:"features,omitempty"`
	Attributes  map[string]any    `json:"attributes,omitempty"`
	Area        string            `json:"area,omitempty"`
}

// wireEntityChange is the "entity_change" event body, grounded on the
// same source's EntityChange.
type wireEntityChange struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Attributes map[string]any `json:"attributes"`
}

func toWireEntity(e *entity.Entity) wireEntity {
	feats := e.Features.Slice()
	sort.Strings(feats)
	attrs, deviceClass := splitDeviceClass(e.Attributes)
	return wireEntity{
		EntityType:  string(e.DeviceClass),
		EntityID:    e.EntityID,
		DeviceClass: deviceClass,
		Name:        e.Name,
		Features:    feats,
		Attributes:  attrs,
		Area:        e.Area,
	}
}

// splitDeviceClass pulls the sensor sub-class ("binary" or the mapped HA
// device_class, e.g. "temperature"/"custom") out of the attribute map
// into the wire's dedicated device_class field, matching
// original_source's AvailableEntity/EntityChange split: device_class is
// never itself a schema attribute. Every other entity type carries no
// such attribute and returns an empty class untouched.
func splitDeviceClass(attributes map[string]any) (map[string]any, string) {
	dc, ok := attributes[entity.AttrDeviceClass].(string)
	if !ok {
		return attributes, ""
	}
	out := make(map[string]any, len(attributes)-1)
	for k, v := range attributes {
		if k == entity.AttrDeviceClass {
			continue
		}
		out[k] = v
	}
	return out, dc
}

func toWireEntityChange(e *entity.Entity, changedAttributes map[string]any) wireEntityChange {
	attrs, _ := splitDeviceClass(changedAttributes)
	return wireEntityChange{
		EntityType: string(e.DeviceClass),
		EntityID:   e.EntityID,
		Attributes: attrs,
	}
}
