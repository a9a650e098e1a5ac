// Package mapper implements the stateless bidirectional translation
// between HA entity snapshots/service calls and the Core entity model,
// spec.md §4.1. Every exported function here is pure and non-suspending
// per spec.md §5 — no network, no locks, no clock.
package mapper

import (
	"fmt"
	"strings"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

// ServiceCall is the HA-bound call_service payload an Encode produces,
// spec.md §4.1 "Encode" output: {domain, service, service_data,
// target: {entity_id}}.
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData map[string]any
	TargetID    string
}

// domainToClass is the HA-domain -> Core-device-class table, spec.md
// §4.1 "Domain mapping". A domain absent from this table decodes to
// (nil, false).
var domainToClass = map[string]entity.DeviceClass{
	"light":            entity.ClassLight,
	"switch":           entity.ClassSwitch,
	"input_boolean":    entity.ClassSwitch,
	"cover":            entity.ClassCover,
	"climate":          entity.ClassClimate,
	"media_player":     entity.ClassMediaPlayer,
	"remote":           entity.ClassRemote,
	"button":           entity.ClassButton,
	"input_button":     entity.ClassButton,
	"script":           entity.ClassButton,
	"scene":            entity.ClassButton,
	"sensor":           entity.ClassSensor,
	"binary_sensor":    entity.ClassSensor,
	"assist_satellite": entity.ClassVoiceAssistant,
}

// Decode translates an HA snapshot into a Core Entity. ok is false when
// the HA domain is not supported, per spec.md §4.1 — the caller (Entity
// Store) must not store or surface such entities.
func Decode(snap entity.HASnapshot) (ent *entity.Entity, ok bool) {
	domain := snap.Domain()
	class, known := domainToClass[domain]
	if !known {
		return nil, false
	}

	name := friendlyName(snap)
	ent = &entity.Entity{
		EntityID:    snap.EntityID,
		DeviceClass: class,
		Name:        map[string]string{"en": name},
		Attributes:  map[string]any{},
	}

	switch domain {
	case "light":
		decodeLight(snap, ent)
	case "switch", "input_boolean":
		decodeSwitch(snap, ent)
	case "cover":
		decodeCover(snap, ent)
	case "climate":
		decodeClimate(snap, ent)
	case "media_player":
		decodeMediaPlayer(snap, ent)
	case "remote":
		decodeRemote(snap, ent)
	case "button", "input_button", "script", "scene":
		decodeButton(snap, ent)
	case "sensor":
		decodeSensor(snap, ent, false)
	case "binary_sensor":
		decodeSensor(snap, ent, true)
	case "assist_satellite":
		decodeVoiceAssistant(snap, ent)
	}

	return ent, true
}

// friendlyName falls back to the HA entity id when friendly_name is
// absent, spec.md §4.1 "Ties and edges".
func friendlyName(snap entity.HASnapshot) string {
	if v, ok := snap.Attributes["friendly_name"].(string); ok && v != "" {
		return v
	}
	return snap.EntityID
}

// normalizeAvailability maps the two HA sentinel states common to every
// domain; class-specific decoders call this first and skip their own
// state logic when ok is true.
func normalizeAvailability(state string) (entity.State, bool) {
	switch state {
	case "unavailable":
		return entity.StateUnavailable, true
	case "unknown":
		return entity.StateUnknown, true
	default:
		return "", false
	}
}

// Encode translates a Core command into an HA service call, spec.md
// §4.1 "Encode". The HA domain is always derived from entityID's prefix,
// never from the Core device_class (spec.md §8 invariant 2) — this is
// what makes the input_boolean-as-switch case (S2) correct.
func Encode(cmd entity.Command) (ServiceCall, error) {
	domain, _, found := strings.Cut(cmd.EntityID, ".")
	if !found || domain == "" {
		return ServiceCall{}, fmt.Errorf("%w: malformed entity_id %q", bridgeerr.ErrBadRequest, cmd.EntityID)
	}

	switch domain {
	case "light":
		return encodeLight(domain, cmd)
	case "switch", "input_boolean":
		return encodeSwitch(domain, cmd)
	case "cover":
		return encodeCover(domain, cmd)
	case "climate":
		return encodeClimate(domain, cmd)
	case "media_player":
		return encodeMediaPlayer(domain, cmd)
	case "remote":
		return encodeRemote(domain, cmd)
	case "button", "input_button", "script", "scene":
		return encodeButton(domain, cmd)
	case "sensor", "binary_sensor":
		return encodeSensor(domain, cmd)
	case "assist_satellite":
		return ServiceCall{}, fmt.Errorf("%w: voice_assistant entities accept no commands", bridgeerr.ErrUnsupportedCommand)
	default:
		return ServiceCall{}, fmt.Errorf("%w: unsupported domain %q", bridgeerr.ErrUnsupportedCommand, domain)
	}
}

// simpleCall builds a ServiceCall with no service_data, the common case
// for toggle/press-style commands.
func simpleCall(domain, service, entityID string) ServiceCall {
	return ServiceCall{Domain: domain, Service: service, TargetID: entityID}
}

// numberParam extracts a numeric param by key, accepting both float64
// (the JSON-decoded shape) and int (direct construction in tests).
func numberParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func stringParam(params map[string]any, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	v, ok := params[key].(string)
	return v, ok
}
