package mapper

import (
	"fmt"

	"habridge/internal/bridgeerr"
	"habridge/internal/color"
	"habridge/internal/entity"
)

func decodeLight(snap entity.HASnapshot, ent *entity.Entity) {
	feats := entity.NewFeatures(entity.FeatureToggle)

	if modes, ok := snap.Attributes["supported_color_modes"].([]any); ok {
		var dim, clr, temp bool
		for _, m := range modes {
			mode, _ := m.(string)
			switch mode {
			case "brightness":
				dim = true
			case "color_temp":
				dim, temp = true, true
			case "hs", "rgb", "rgbw", "rgbww", "xy":
				dim, clr = true, true
			}
		}
		if dim {
			feats.Add(entity.FeatureDim)
		}
		if clr {
			feats.Add(entity.FeatureColor)
		}
		if temp {
			feats.Add(entity.FeatureColorTemperature)
		}
	}
	ent.Features = feats

	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	ent.Attributes[entity.AttrState] = onOffState(snap.State)

	if b, ok := numberAttr(snap.Attributes, "brightness"); ok {
		ent.Attributes[entity.AttrBrightness] = int(b)
	}

	switch colorMode, _ := snap.Attributes["color_mode"].(string); colorMode {
	case "brightness", "onoff", "unknown", "":
		// nothing further to extract — brightness (if any) already set.
	case "color_temp":
		if ct, ok := numberAttr(snap.Attributes, "color_temp"); ok {
			minM, _ := numberAttr(snap.Attributes, "min_mireds")
			maxM, _ := numberAttr(snap.Attributes, "max_mireds")
			if pct, ok := color.MiredToPercent(uint16(ct), uint16(minM), uint16(maxM)); ok {
				ent.Attributes[entity.AttrColorTemperature] = int(pct)
			}
		}
	case "hs":
		extractHS(snap.Attributes, ent)
	case "xy":
		if !extractHS(snap.Attributes, ent) {
			extractXY(snap.Attributes, ent)
		}
	case "rgb", "rgbw", "rgbww":
		if !extractHS(snap.Attributes, ent) {
			extractRGB(snap.Attributes, ent)
		}
	default:
		// Unknown color_mode: omit color attributes rather than error,
		// spec.md §4.1 "Ties and edges".
	}
}

func onOffState(s string) string {
	switch s {
	case "on":
		return string(entity.StateOn)
	case "off":
		return string(entity.StateOff)
	default:
		return string(entity.StateUnknown)
	}
}

func numberAttr(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func extractHS(attrs map[string]any, ent *entity.Entity) bool {
	arr, ok := attrs["hs_color"].([]any)
	if !ok || len(arr) != 2 {
		return false
	}
	hue, _ := toFloat(arr[0])
	sat, _ := toFloat(arr[1])
	ent.Attributes[entity.AttrHue] = int(hue + 0.5)
	ent.Attributes[entity.AttrSaturation] = int(sat + 0.5)
	return true
}

func extractXY(attrs map[string]any, ent *entity.Entity) bool {
	arr, ok := attrs["xy_color"].([]any)
	if !ok || len(arr) != 2 {
		return false
	}
	x, _ := toFloat(arr[0])
	y, _ := toFloat(arr[1])
	hue, sat := color.XYToHS(x, y)
	ent.Attributes[entity.AttrHue] = int(hue + 0.5)
	ent.Attributes[entity.AttrSaturation] = int(sat + 0.5)
	return true
}

func extractRGB(attrs map[string]any, ent *entity.Entity) bool {
	arr, ok := attrs["rgb_color"].([]any)
	if !ok || len(arr) != 3 {
		return false
	}
	r, _ := toFloat(arr[0])
	g, _ := toFloat(arr[1])
	b, _ := toFloat(arr[2])
	hue, sat, _ := color.RGBToHSV(r, g, b)
	ent.Attributes[entity.AttrHue] = int(hue + 0.5)
	ent.Attributes[entity.AttrSaturation] = int(sat + 0.5)
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// encodeLight translates Core light commands to HA light.turn_on/off
// calls, spec.md §4.1 and test scenario S1: brightness+hue+saturation
// commands re-key to hs_color; brightness alone to brightness; color
// temperature to color_temp_kelvin when provided, else color_temp.
func encodeLight(domain string, cmd entity.Command) (ServiceCall, error) {
	switch cmd.CmdID {
	case "off":
		return simpleCall(domain, "turn_off", cmd.EntityID), nil
	case "toggle":
		return simpleCall(domain, "toggle", cmd.EntityID), nil
	case "on":
		data := map[string]any{}
		hue, hasHue := numberParam(cmd.Params, "hue")
		sat, hasSat := numberParam(cmd.Params, "saturation")
		if hasHue && hasSat {
			data["hs_color"] = []float64{hue, sat}
		}
		if b, ok := numberParam(cmd.Params, "brightness"); ok {
			data["brightness"] = int(b)
		}
		if kelvin, ok := numberParam(cmd.Params, "color_temperature_kelvin"); ok {
			data["color_temp_kelvin"] = int(kelvin)
		} else if mireds, ok := numberParam(cmd.Params, "color_temperature"); ok {
			data["color_temp"] = int(mireds)
		}
		return ServiceCall{Domain: domain, Service: "turn_on", TargetID: cmd.EntityID, ServiceData: data}, nil
	default:
		return ServiceCall{}, fmt.Errorf("%w: light has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}
}
