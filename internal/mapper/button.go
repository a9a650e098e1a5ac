package mapper

import (
	"fmt"
	"strings"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

// decodeButton covers button, input_button, script, and scene domains —
// all action-only entities with no meaningful on/off state in HA (their
// "state" is typically a last-activated timestamp), spec.md §4.1 domain
// mapping table.
func decodeButton(snap entity.HASnapshot, ent *entity.Entity) {
	ent.Features = entity.NewFeatures(entity.FeaturePress)
	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	ent.Attributes[entity.AttrState] = string(entity.StateUnknown)
}

// encodeButton dispatches to each domain's default action, spec.md
// §4.1: button.press, script.<script_id> (the object_id as the service
// name, grounded on original_source's handle_button), scene.turn_on,
// input_button.press.
func encodeButton(domain string, cmd entity.Command) (ServiceCall, error) {
	if cmd.CmdID != "push" && cmd.CmdID != "press" {
		return ServiceCall{}, fmt.Errorf("%w: button has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}

	switch domain {
	case "script":
		_, objectID, found := strings.Cut(cmd.EntityID, ".")
		if !found || objectID == "" {
			return ServiceCall{}, fmt.Errorf("%w: malformed script entity_id %q", bridgeerr.ErrBadRequest, cmd.EntityID)
		}
		return simpleCall(domain, objectID, cmd.EntityID), nil
	case "scene":
		return simpleCall(domain, "turn_on", cmd.EntityID), nil
	default: // button, input_button
		return simpleCall(domain, "press", cmd.EntityID), nil
	}
}
