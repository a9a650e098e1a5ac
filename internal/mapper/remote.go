package mapper

import (
	"fmt"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

func decodeRemote(snap entity.HASnapshot, ent *entity.Entity) {
	ent.Features = entity.NewFeatures(entity.FeatureOnOffRemote, entity.FeatureToggleRemote, entity.FeatureSendCmd)
	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	ent.Attributes[entity.AttrState] = onOffState(snap.State)
}

// encodeRemote implements remote.send_command's dual single/sequence
// input, spec.md §4.1: "accepts command (single) or sequence (array) —
// mapped to HA service send_command with command list".
func encodeRemote(domain string, cmd entity.Command) (ServiceCall, error) {
	switch cmd.CmdID {
	case "on":
		return simpleCall(domain, "turn_on", cmd.EntityID), nil
	case "off":
		return simpleCall(domain, "turn_off", cmd.EntityID), nil
	case "toggle":
		return simpleCall(domain, "toggle", cmd.EntityID), nil
	case "send_cmd":
		var commands []any
		if single, ok := stringParam(cmd.Params, "command"); ok {
			commands = []any{single}
		} else if seq, ok := cmd.Params["sequence"].([]any); ok {
			commands = seq
		}
		if len(commands) == 0 {
			return ServiceCall{}, fmt.Errorf("%w: send_cmd requires params.command or params.sequence", bridgeerr.ErrInvalidParams)
		}
		data := map[string]any{"command": commands}
		if repeat, ok := numberParam(cmd.Params, "repeat"); ok {
			data["num_repeats"] = int(repeat)
		}
		if delay, ok := numberParam(cmd.Params, "delay"); ok {
			data["delay_secs"] = delay / 1000
		}
		if hold, ok := numberParam(cmd.Params, "hold"); ok {
			data["hold_secs"] = hold / 1000
		}
		return ServiceCall{Domain: domain, Service: "send_command", TargetID: cmd.EntityID, ServiceData: data}, nil
	default:
		return ServiceCall{}, fmt.Errorf("%w: remote has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}
}
