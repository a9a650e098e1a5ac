package mapper

import (
	"fmt"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

func decodeSwitch(snap entity.HASnapshot, ent *entity.Entity) {
	ent.Features = entity.NewFeatures(entity.FeatureToggle)
	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	ent.Attributes[entity.AttrState] = onOffState(snap.State)
}

// encodeSwitch maps toggle commands to the HA domain derived from
// entityID (switch or input_boolean — the Core device_class is switch
// either way, spec.md §8 invariant 2 / test scenario S2).
func encodeSwitch(domain string, cmd entity.Command) (ServiceCall, error) {
	switch cmd.CmdID {
	case "on":
		return simpleCall(domain, "turn_on", cmd.EntityID), nil
	case "off":
		return simpleCall(domain, "turn_off", cmd.EntityID), nil
	case "toggle":
		return simpleCall(domain, "toggle", cmd.EntityID), nil
	default:
		return ServiceCall{}, fmt.Errorf("%w: switch has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}
}
