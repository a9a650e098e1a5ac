package mapper

import (
	"fmt"
	"strings"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

// HA climate.py ClimateEntityFeature bits this mapper exposes: target
// temperature, target temperature range, and fan mode (as fan_speed).
// Swing, preset and humidity bits are dropped silently; they are outside
// the Core schema this bridge carries.
const (
	climateFeatTargetTemperature      = 1
	climateFeatTargetTemperatureRange = 2
	climateFeatFanMode                = 8
)

func decodeClimate(snap entity.HASnapshot, ent *entity.Entity) {
	feats := entity.NewFeatures(entity.FeatureOnOff, entity.FeatureHeat, entity.FeatureCool, entity.FeatureCurrentTemperature)
	if raw, ok := numberAttr(snap.Attributes, "supported_features"); ok {
		bits := int(raw)
		if bits&climateFeatTargetTemperature != 0 {
			feats.Add(entity.FeatureTargetTemperature)
		}
		if bits&climateFeatTargetTemperatureRange != 0 {
			feats.Add(entity.FeatureTargetTemperatureRange)
		}
		if bits&climateFeatFanMode != 0 {
			feats.Add(entity.FeatureFanSpeed)
		}
	}
	ent.Features = feats

	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	// HA hvac_mode states (off/heat/cool/heat_cool/auto/dry/fan_only) pass
	// through uppercased to the Core state, there being no narrower Core
	// vocabulary for climate modes in this bridge's schema.
	ent.Attributes[entity.AttrState] = strings.ToUpper(snap.State)

	if v, ok := numberAttr(snap.Attributes, "current_temperature"); ok {
		ent.Attributes[entity.AttrCurrentTemperature] = v
	}
	if v, ok := numberAttr(snap.Attributes, "temperature"); ok {
		ent.Attributes[entity.AttrTargetTemperature] = v
	}
	if v, ok := numberAttr(snap.Attributes, "target_temp_high"); ok {
		ent.Attributes[entity.AttrTargetTemperatureHigh] = v
	}
	if v, ok := numberAttr(snap.Attributes, "target_temp_low"); ok {
		ent.Attributes[entity.AttrTargetTemperatureLow] = v
	}
	if v, ok := snap.Attributes["fan_mode"].(string); ok {
		ent.Attributes[entity.AttrFanMode] = v
	}
}

func encodeClimate(domain string, cmd entity.Command) (ServiceCall, error) {
	switch cmd.CmdID {
	case "on", "off", "heat", "cool", "heat_cool", "auto", "dry", "fan_only":
		data := map[string]any{"hvac_mode": climateHVACMode(cmd.CmdID)}
		return ServiceCall{Domain: domain, Service: "set_hvac_mode", TargetID: cmd.EntityID, ServiceData: data}, nil
	case "set_temperature":
		data := map[string]any{}
		if t, ok := numberParam(cmd.Params, "temperature"); ok {
			data["temperature"] = t
		}
		if t, ok := numberParam(cmd.Params, "target_temperature_high"); ok {
			data["target_temp_high"] = t
		}
		if t, ok := numberParam(cmd.Params, "target_temperature_low"); ok {
			data["target_temp_low"] = t
		}
		if len(data) == 0 {
			return ServiceCall{}, fmt.Errorf("%w: set_temperature requires temperature or a high/low pair", bridgeerr.ErrInvalidParams)
		}
		return ServiceCall{Domain: domain, Service: "set_temperature", TargetID: cmd.EntityID, ServiceData: data}, nil
	case "set_fan_mode":
		mode, ok := stringParam(cmd.Params, "fan_speed")
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: set_fan_mode requires params.fan_speed", bridgeerr.ErrInvalidParams)
		}
		return ServiceCall{Domain: domain, Service: "set_fan_mode", TargetID: cmd.EntityID, ServiceData: map[string]any{"fan_mode": mode}}, nil
	default:
		return ServiceCall{}, fmt.Errorf("%w: climate has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}
}

func climateHVACMode(cmdID string) string {
	if cmdID == "on" {
		return "heat_cool"
	}
	return cmdID
}
