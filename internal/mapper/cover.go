package mapper

import (
	"fmt"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

// HA cover.py CoverEntityFeature bits this mapper cares about. Tilt bits
// (OPEN_TILT=16, CLOSE_TILT=32, STOP_TILT=64, SET_TILT_POSITION=128) are
// dropped silently — spec.md §1 excludes tilt auxiliary features.
const (
	coverFeatOpen         = 1
	coverFeatClose        = 2
	coverFeatSetPosition  = 4
	coverFeatStop         = 8
)

func decodeCover(snap entity.HASnapshot, ent *entity.Entity) {
	feats := entity.NewFeatures()
	if raw, ok := numberAttr(snap.Attributes, "supported_features"); ok {
		bits := int(raw)
		if bits&coverFeatOpen != 0 {
			feats.Add(entity.FeatureOpen)
		}
		if bits&coverFeatClose != 0 {
			feats.Add(entity.FeatureClose)
		}
		if bits&coverFeatStop != 0 {
			feats.Add(entity.FeatureStop)
		}
		if bits&coverFeatSetPosition != 0 {
			feats.Add(entity.FeaturePosition)
		}
	}
	ent.Features = feats

	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	switch snap.State {
	case "open", "closed", "opening", "closing":
		ent.Attributes[entity.AttrState] = snap.State
	default:
		ent.Attributes[entity.AttrState] = string(entity.StateUnknown)
	}
	if pos, ok := numberAttr(snap.Attributes, "current_position"); ok {
		ent.Attributes[entity.AttrPosition] = int(pos)
	}
}

func encodeCover(domain string, cmd entity.Command) (ServiceCall, error) {
	switch cmd.CmdID {
	case "open":
		return simpleCall(domain, "open_cover", cmd.EntityID), nil
	case "close":
		return simpleCall(domain, "close_cover", cmd.EntityID), nil
	case "stop":
		return simpleCall(domain, "stop_cover", cmd.EntityID), nil
	case "position":
		data := map[string]any{}
		if pos, ok := numberParam(cmd.Params, "position"); ok && pos >= 0 && pos <= 100 {
			data["position"] = int(pos)
		}
		return ServiceCall{Domain: domain, Service: "set_cover_position", TargetID: cmd.EntityID, ServiceData: data}, nil
	default:
		return ServiceCall{}, fmt.Errorf("%w: cover has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}
}
