package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habridge/internal/entity"
)

// TestDecode_LightHSVRoundTrip grounds spec.md §8 scenario S1.
func TestDecode_LightHSVRoundTrip(t *testing.T) {
	snap := entity.HASnapshot{
		EntityID: "light.kitchen",
		State:    "on",
		Attributes: map[string]any{
			"color_mode":           "xy",
			"xy_color":             []any{0.4, 0.4},
			"brightness":           128,
			"supported_color_modes": []any{"xy"},
		},
	}

	ent, ok := Decode(snap)
	require.True(t, ok)
	assert.Equal(t, entity.ClassLight, ent.DeviceClass)
	assert.Equal(t, "ON", ent.Attributes[entity.AttrState])
	assert.Equal(t, 128, ent.Attributes[entity.AttrBrightness])

	hue, ok := ent.Attributes[entity.AttrHue].(int)
	require.True(t, ok)
	sat, ok := ent.Attributes[entity.AttrSaturation].(int)
	require.True(t, ok)
	assert.InDelta(t, 46, hue, 1)
	assert.InDelta(t, 36, sat, 1)

	sc, err := Encode(entity.Command{
		EntityID: "light.kitchen",
		CmdID:    "on",
		Params:   map[string]any{"brightness": 200, "hue": 120, "saturation": 50},
	})
	require.NoError(t, err)
	assert.Equal(t, "light", sc.Domain)
	assert.Equal(t, "turn_on", sc.Service)
	assert.Equal(t, "light.kitchen", sc.TargetID)
	assert.Equal(t, []float64{120, 50}, sc.ServiceData["hs_color"])
	assert.Equal(t, 200, sc.ServiceData["brightness"])
}

// TestDecode_InputBooleanAsSwitch grounds S2: domain comes from
// entity_id, never Core device_class.
func TestDecode_InputBooleanAsSwitch(t *testing.T) {
	snap := entity.HASnapshot{EntityID: "input_boolean.coffee", State: "on"}
	ent, ok := Decode(snap)
	require.True(t, ok)
	assert.Equal(t, entity.ClassSwitch, ent.DeviceClass)

	sc, err := Encode(entity.Command{EntityID: "input_boolean.coffee", CmdID: "toggle"})
	require.NoError(t, err)
	assert.Equal(t, "input_boolean", sc.Domain)
	assert.Equal(t, "toggle", sc.Service)
}

// TestDecode_BinarySensor grounds S3.
func TestDecode_BinarySensor(t *testing.T) {
	snap := entity.HASnapshot{
		EntityID:   "binary_sensor.door",
		State:      "on",
		Attributes: map[string]any{"device_class": "door"},
	}
	ent, ok := Decode(snap)
	require.True(t, ok)
	assert.Equal(t, "binary", ent.Attributes[entity.AttrDeviceClass])
	assert.Equal(t, "door", ent.Attributes[entity.AttrUnit])
	assert.Equal(t, "on", ent.Attributes[entity.AttrValue])
	assert.Equal(t, "ON", ent.Attributes[entity.AttrState])

	unavailable := entity.HASnapshot{
		EntityID:   "binary_sensor.door",
		State:      "unavailable",
		Attributes: map[string]any{"device_class": "door"},
	}
	ent2, ok := Decode(unavailable)
	require.True(t, ok)
	assert.Equal(t, "UNAVAILABLE", ent2.Attributes[entity.AttrState])
}

// TestDecode_SensorDeviceClassMapsToSupportedSetOrCustom grounds the
// non-binary sensor device_class rule from
// original_source/src/client/entity/sensor.rs::convert_sensor_entity.
func TestDecode_SensorDeviceClassMapsToSupportedSetOrCustom(t *testing.T) {
	supported := entity.HASnapshot{
		EntityID:   "sensor.outside_temp",
		State:      "21.5",
		Attributes: map[string]any{"device_class": "temperature", "unit_of_measurement": "°C"},
	}
	ent, ok := Decode(supported)
	require.True(t, ok)
	assert.Equal(t, "temperature", ent.Attributes[entity.AttrDeviceClass])
	assert.Equal(t, "°C", ent.Attributes[entity.AttrUnit])
	assert.Equal(t, "21.5", ent.Attributes[entity.AttrValue])

	unsupported := entity.HASnapshot{
		EntityID:   "sensor.custom_thing",
		State:      "42",
		Attributes: map[string]any{"device_class": "some_unlisted_class"},
	}
	ent2, ok := Decode(unsupported)
	require.True(t, ok)
	assert.Equal(t, "custom", ent2.Attributes[entity.AttrDeviceClass])

	noClass := entity.HASnapshot{
		EntityID: "sensor.no_class",
		State:    "1",
	}
	ent3, ok := Decode(noClass)
	require.True(t, ok)
	assert.Equal(t, "custom", ent3.Attributes[entity.AttrDeviceClass])
}

// TestEncode_SelectSoundModeRename grounds S4.
func TestEncode_SelectSoundModeRename(t *testing.T) {
	sc, err := Encode(entity.Command{
		EntityID: "media_player.living_room",
		CmdID:    "select_sound_mode",
		Params:   map[string]any{"mode": "Movie"},
	})
	require.NoError(t, err)
	assert.Equal(t, "media_player", sc.Domain)
	assert.Equal(t, "select_sound_mode", sc.Service)
	assert.Equal(t, "Movie", sc.ServiceData["sound_mode"])
}

func TestEncode_UnknownDomainFails(t *testing.T) {
	_, err := Encode(entity.Command{EntityID: "person.alice", CmdID: "on"})
	assert.Error(t, err)
}

func TestDecode_UnsupportedDomainReturnsFalse(t *testing.T) {
	_, ok := Decode(entity.HASnapshot{EntityID: "automation.morning"})
	assert.False(t, ok)
}

func TestDecode_MissingFriendlyNameFallsBackToEntityID(t *testing.T) {
	ent, ok := Decode(entity.HASnapshot{EntityID: "switch.garage", State: "off"})
	require.True(t, ok)
	assert.Equal(t, "switch.garage", ent.Name["en"])
}

func TestEncode_RemoteSendSequence(t *testing.T) {
	sc, err := Encode(entity.Command{
		EntityID: "remote.living_room",
		CmdID:    "send_cmd",
		Params:   map[string]any{"sequence": []any{"VOL_UP", "VOL_UP"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "send_command", sc.Service)
	assert.Equal(t, []any{"VOL_UP", "VOL_UP"}, sc.ServiceData["command"])
}

func TestEncode_ButtonScriptUsesObjectIDAsService(t *testing.T) {
	sc, err := Encode(entity.Command{EntityID: "script.good_morning", CmdID: "push"})
	require.NoError(t, err)
	assert.Equal(t, "script", sc.Domain)
	assert.Equal(t, "good_morning", sc.Service)
}

func TestEncode_SceneUsesTurnOn(t *testing.T) {
	sc, err := Encode(entity.Command{EntityID: "scene.movie_night", CmdID: "push"})
	require.NoError(t, err)
	assert.Equal(t, "scene", sc.Domain)
	assert.Equal(t, "turn_on", sc.Service)
}

func TestEncode_SensorAlwaysUnsupported(t *testing.T) {
	_, err := Encode(entity.Command{EntityID: "sensor.temp", CmdID: "set"})
	assert.Error(t, err)
}

func TestEncode_VoiceAssistantAlwaysUnsupported(t *testing.T) {
	_, err := Encode(entity.Command{EntityID: "assist_satellite.hallway", CmdID: "anything"})
	assert.Error(t, err)
}

func TestDecode_UnknownColorModeOmitsColor(t *testing.T) {
	snap := entity.HASnapshot{
		EntityID: "light.weird",
		State:    "on",
		Attributes: map[string]any{
			"color_mode": "exotic",
		},
	}
	ent, ok := Decode(snap)
	require.True(t, ok)
	_, hasHue := ent.Attributes[entity.AttrHue]
	assert.False(t, hasHue)
}
