package coreserver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"habridge/internal/entity"
)

func TestToWireEntity_LightHasSortedFeaturesAndNoDeviceClass(t *testing.T) {
	e := &entity.Entity{
		EntityID:    "light.kitchen",
		DeviceClass: entity.ClassLight,
		Name:        map[string]string{"en": "Kitchen"},
		Features:    entity.NewFeatures(entity.FeatureOnOff, "brightness"),
		Attributes:  map[string]any{"state": "ON"},
	}

	w := toWireEntity(e)

	assert.Equal(t, "light", w.EntityType)
	assert.Equal(t, "light.kitchen", w.EntityID)
	assert.Equal(t, "", w.DeviceClass)
	assert.Equal(t, []string{"brightness", "on_off"}, w.Features)
}

func TestToWireEntity_RegularSensorSurfacesMappedDeviceClass(t *testing.T) {
	e := &entity.Entity{
		EntityID:    "sensor.temperature",
		DeviceClass: entity.ClassSensor,
		Name:        map[string]string{"en": "Temperature"},
		Attributes:  map[string]any{entity.AttrDeviceClass: "temperature", entity.AttrUnit: "celsius"},
	}

	w := toWireEntity(e)

	assert.Equal(t, "temperature", w.DeviceClass)
	assert.Equal(t, map[string]any{entity.AttrUnit: "celsius"}, w.Attributes, "device_class must not also appear as a schema attribute")
}

func TestToWireEntity_BinarySensorDeviceClassIsLiteralBinary(t *testing.T) {
	e := &entity.Entity{
		EntityID:    "sensor.door",
		DeviceClass: entity.ClassSensor,
		Name:        map[string]string{"en": "Door"},
		Attributes:  map[string]any{entity.AttrDeviceClass: "binary", entity.AttrUnit: "door", entity.AttrValue: "on", entity.AttrState: "ON"},
	}

	w := toWireEntity(e)

	assert.Equal(t, "binary", w.DeviceClass)
	assert.Equal(t, "door", w.Attributes[entity.AttrUnit])
}

func TestToWireEntityChange_CarriesOnlyChangedAttributes(t *testing.T) {
	e := &entity.Entity{EntityID: "switch.fan", DeviceClass: entity.ClassSwitch}
	change := toWireEntityChange(e, map[string]any{"state": "ON"})

	assert.Equal(t, "switch.fan", change.EntityID)
	assert.Equal(t, map[string]any{"state": "ON"}, change.Attributes)
}

func TestToWireEntityChange_NeverCarriesDeviceClass(t *testing.T) {
	e := &entity.Entity{EntityID: "sensor.door", DeviceClass: entity.ClassSensor}
	change := toWireEntityChange(e, map[string]any{entity.AttrDeviceClass: "binary", entity.AttrValue: "on"})

	assert.Equal(t, map[string]any{entity.AttrValue: "on"}, change.Attributes)
}
