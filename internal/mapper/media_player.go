package mapper

import (
	"fmt"
	"time"

	"habridge/internal/bridgeerr"
	"habridge/internal/entity"
)

// HA media_player.py MediaPlayerEntityFeature bits this mapper exposes.
// SEEK, SHUFFLE/REPEAT, BROWSE_MEDIA, GROUPING and CLEAR_PLAYLIST are
// dropped silently — spec.md §1 excludes media browsing / group-member
// control.
const (
	mpFeatVolumeSet    = 4
	mpFeatVolumeMute   = 8
	mpFeatPreviousTrack = 16
	mpFeatNextTrack     = 32
	mpFeatStop          = 4096
	mpFeatPlay          = 16384
	mpFeatPause         = 1
	mpFeatTurnOn        = 128
	mpFeatTurnOff       = 256
	mpFeatSelectSource  = 2048
	mpFeatSelectSoundMode = 65536
)

func decodeMediaPlayer(snap entity.HASnapshot, ent *entity.Entity) {
	feats := entity.NewFeatures()
	if raw, ok := numberAttr(snap.Attributes, "supported_features"); ok {
		bits := int(raw)
		if bits&(mpFeatTurnOn|mpFeatTurnOff) != 0 {
			feats.Add(entity.FeatureOnOffMedia)
		}
		if bits&mpFeatVolumeSet != 0 {
			feats.Add(entity.FeatureVolume)
		}
		if bits&mpFeatVolumeMute != 0 {
			feats.Add(entity.FeatureMuteToggle)
		}
		if bits&(mpFeatPlay|mpFeatPause) != 0 {
			feats.Add(entity.FeaturePlayPause)
		}
		if bits&mpFeatStop != 0 {
			feats.Add(entity.FeatureStopMedia)
		}
		if bits&(mpFeatNextTrack|mpFeatPreviousTrack) != 0 {
			feats.Add(entity.FeatureNextPrevious)
		}
		if bits&mpFeatSelectSoundMode != 0 {
			feats.Add(entity.FeatureSoundMode)
		}
	}
	ent.Features = feats

	if st, ok := normalizeAvailability(snap.State); ok {
		ent.Attributes[entity.AttrState] = string(st)
		return
	}
	// media_player states pass through uppercased-by-convention but this
	// bridge keeps HA's own vocabulary verbatim (on/off/idle/playing/
	// paused/buffering/standby) since the Core schema has no narrower set.
	ent.Attributes[entity.AttrState] = snap.State

	if v, ok := numberAttr(snap.Attributes, "volume_level"); ok {
		ent.Attributes[entity.AttrVolume] = int(v * 100)
	}
	if v, ok := snap.Attributes["is_volume_muted"].(bool); ok {
		ent.Attributes[entity.AttrMuted] = v
	}
	if v, ok := snap.Attributes["media_title"].(string); ok {
		ent.Attributes[entity.AttrMediaTitle] = v
	}
	if v, ok := snap.Attributes["media_artist"].(string); ok {
		ent.Attributes[entity.AttrMediaArtist] = v
	}
	if v, ok := snap.Attributes["source"].(string); ok {
		ent.Attributes[entity.AttrSource] = v
	}
	if v, ok := snap.Attributes["source_list"].([]any); ok {
		ent.Attributes[entity.AttrSourceList] = v
	}
	if v, ok := snap.Attributes["sound_mode"].(string); ok {
		ent.Attributes[entity.AttrSoundMode] = v
	}
	if v, ok := snap.Attributes["sound_mode_list"].([]any); ok {
		ent.Attributes[entity.AttrSoundModeList] = v
	}
	// media_position_updated_at included iff present, formatted RFC-3339
	// UTC, spec.md §4.1.
	if v, ok := snap.Attributes["media_position_updated_at"]; ok {
		if formatted, ok := formatMediaPositionUpdatedAt(v); ok {
			ent.Attributes[entity.AttrMediaPositionUpdatedAt] = formatted
		}
	}
}

func formatMediaPositionUpdatedAt(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return "", false
		}
		return parsed.UTC().Format(time.RFC3339), true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}

// encodeMediaPlayer maps Core media_player commands to HA services.
// select_sound_mode is the spec.md §8 S4 case: the externally stable
// "mode" param re-keys to HA's "sound_mode" service_data field.
func encodeMediaPlayer(domain string, cmd entity.Command) (ServiceCall, error) {
	switch cmd.CmdID {
	case "on":
		return simpleCall(domain, "turn_on", cmd.EntityID), nil
	case "off":
		return simpleCall(domain, "turn_off", cmd.EntityID), nil
	case "toggle":
		return simpleCall(domain, "toggle", cmd.EntityID), nil
	case "play_pause":
		return simpleCall(domain, "media_play_pause", cmd.EntityID), nil
	case "stop":
		return simpleCall(domain, "media_stop", cmd.EntityID), nil
	case "next":
		return simpleCall(domain, "media_next_track", cmd.EntityID), nil
	case "previous":
		return simpleCall(domain, "media_previous_track", cmd.EntityID), nil
	case "mute_toggle":
		return simpleCall(domain, "volume_mute", cmd.EntityID), nil
	case "volume_set":
		vol, ok := numberParam(cmd.Params, "volume")
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: volume_set requires params.volume", bridgeerr.ErrInvalidParams)
		}
		return ServiceCall{Domain: domain, Service: "volume_set", TargetID: cmd.EntityID, ServiceData: map[string]any{"volume_level": vol / 100}}, nil
	case "select_source":
		src, ok := stringParam(cmd.Params, "source")
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: select_source requires params.source", bridgeerr.ErrInvalidParams)
		}
		return ServiceCall{Domain: domain, Service: "select_source", TargetID: cmd.EntityID, ServiceData: map[string]any{"source": src}}, nil
	case "select_sound_mode":
		mode, ok := stringParam(cmd.Params, "mode")
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: select_sound_mode requires params.mode", bridgeerr.ErrInvalidParams)
		}
		return ServiceCall{Domain: domain, Service: "select_sound_mode", TargetID: cmd.EntityID, ServiceData: map[string]any{"sound_mode": mode}}, nil
	default:
		return ServiceCall{}, fmt.Errorf("%w: media_player has no command %q", bridgeerr.ErrUnsupportedCommand, cmd.CmdID)
	}
}
