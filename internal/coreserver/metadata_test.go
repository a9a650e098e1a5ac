package coreserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetadataProvider_EmptyPathUsesEmbeddedDefault(t *testing.T) {
	p, err := NewMetadataProvider("")
	require.NoError(t, err)

	raw, err := p.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "home-assistant", raw["driver_id"])
}

func TestNewMetadataProvider_MissingFile(t *testing.T) {
	_, err := NewMetadataProvider("/no/such/driver.json")
	assert.Error(t, err)
}

func TestPrepareMetadata_StripsTokenAndSetsVersion(t *testing.T) {
	raw := map[string]any{
		"driver_id": "home-assistant",
		"name":      map[string]any{"en": "Home Assistant"},
		"version":   "0.0.0-dev",
		"token":     "super-secret",
	}

	out := prepareMetadata(raw, "1.2.3")

	assert.Equal(t, "1.2.3", out["version"])
	_, hasToken := out["token"]
	assert.False(t, hasToken, "token must never be echoed back")
	assert.Equal(t, "super-secret", raw["token"], "prepareMetadata must not mutate its input")
}

func TestPrepareMetadata_AutoFillsMissingDriverIDAndName(t *testing.T) {
	out := prepareMetadata(map[string]any{}, "1.2.3")

	assert.Equal(t, "home-assistant", out["driver_id"])
	assert.Equal(t, map[string]any{"en": "Home Assistant"}, out["name"])
}

func TestDriverName(t *testing.T) {
	assert.Equal(t, "Home Assistant", driverName(map[string]any{}))
	assert.Equal(t, "Custom Name", driverName(map[string]any{"name": map[string]any{"en": "Custom Name"}}))
}
