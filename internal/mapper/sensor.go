package mapper

import (
	"fmt"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

// sensorDeviceClasses is the supported regular-sensor device_class set,
// grounded on original_source/src/client/entity/sensor.rs::convert_sensor_entity.
// Anything else (including no device_class at all) maps to "custom".
var sensorDeviceClasses = map[string]struct{}{
	"battery":     {},
	"current":     {},
	"energy":      {},
	"humidity":    {},
	"power":       {},
	"temperature": {},
	"voltage":     {},
}

func sensorDeviceClass(haClass string) string {
	if _, ok := sensorDeviceClasses[haClass]; ok {
		return haClass
	}
	return "custom"
}

// decodeSensor implements spec.md §4.1 "Sensor state filter" and
// "Binary sensor" rules, plus test scenario S3. Only ON, UNAVAILABLE, and
// UNKNOWN are ever reported as the Core `state`; every other reading
// (numeric or string, and binary_sensor's verbatim "on"/"off") goes in
// `value` instead.
func decodeSensor(snap entity.HASnapshot, ent *entity.Entity, binary bool) {
	ent.Features = entity.NewFeatures()

	if binary {
		decodeBinarySensor(snap, ent)
		return
	}

	if dc, ok := snap.Attributes["device_class"].(string); ok {
		ent.Attributes[entity.AttrDeviceClass] = sensorDeviceClass(dc)
	} else {
		ent.Attributes[entity.AttrDeviceClass] = "custom"
	}
	if unit, ok := snap.Attributes["unit_of_measurement"].(string); ok && unit != "" {
		ent.Attributes[entity.AttrUnit] = unit
	}

	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}

	ent.Attributes[entity.AttrValue] = snap.State
	if snap.State == "on" {
		ent.Attributes[entity.AttrState] = string(entity.StateOn)
	}
}

// decodeBinarySensor sets the Core device_class to the literal "binary"
// (spec.md §4.1 "Binary sensor"), carrying HA's own device_class string
// (e.g. "door") in `unit` instead.
func decodeBinarySensor(snap entity.HASnapshot, ent *entity.Entity) {
	ent.Attributes[entity.AttrDeviceClass] = "binary"
	if dc, ok := snap.Attributes["device_class"].(string); ok {
		ent.Attributes[entity.AttrUnit] = dc
	}

	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}

	ent.Attributes[entity.AttrValue] = snap.State // verbatim "on"/"off", no boolean conversion
	if snap.State == "on" {
		ent.Attributes[entity.AttrState] = string(entity.StateOn)
	}
}

// encodeSensor always fails: sensors are read-only observations, never
// command targets.
func encodeSensor(domain string, cmd entity.Command) (ServiceCall, error) {
	return ServiceCall{}, fmt.Errorf("%w: sensor entities accept no commands", bridgeerr.ErrUnsupportedCommand)
}

func decodeVoiceAssistant(snap entity.HASnapshot, ent *entity.Entity) {
	ent.Features = entity.NewFeatures()
	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	// assist_satellite state carried verbatim, spec.md's SPEC_FULL
	// supplemented-feature note: state-only, no dedicated encode rules.
	ent.Attributes[entity.AttrState] = snap.State
}
