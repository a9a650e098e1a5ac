package coreserver

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// MetadataProvider is the external collaborator spec.md §1 scopes out:
// "the driver-metadata JSON that is echoed unchanged to the Core". The
// Core Server only ever asks it for the raw manifest map, then applies
// the token-stripping and version-substitution rules of spec.md §6
// itself.
type MetadataProvider interface {
	Metadata() (map[string]any, error)
}

//go:embed driver.json
var embeddedDriverJSON []byte

// FileMetadataProvider loads the driver manifest from a JSON file,
// falling back to the compiled-in default when path is empty — grounded
// on original_source/src/configuration.rs's "Deserialize and enhance
// driver information from compiled-in json data".
type FileMetadataProvider struct {
	raw []byte
}

// NewMetadataProvider reads the manifest at path, or uses the embedded
// default manifest if path is empty.
func NewMetadataProvider(path string) (*FileMetadataProvider, error) {
	if path == "" {
		return &FileMetadataProvider{raw: embeddedDriverJSON}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read driver metadata %s: %w", path, err)
	}
	return &FileMetadataProvider{raw: raw}, nil
}

// Metadata returns the raw manifest map. Callers apply the auto-fill and
// token-stripping rules themselves so the provider stays a pure loader.
func (p *FileMetadataProvider) Metadata() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(p.raw, &m); err != nil {
		return nil, fmt.Errorf("parse driver metadata: %w", err)
	}
	return m, nil
}

// prepareMetadata applies spec.md §6's "get_driver_metadata" rules: echo
// unchanged except token stripped and version replaced by appVersion;
// auto-fill driver_id/name when absent.
func prepareMetadata(raw map[string]any, appVersion string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	delete(out, "token")
	out["version"] = appVersion
	if _, ok := out["driver_id"].(string); !ok {
		out["driver_id"] = "home-assistant"
	}
	if name, ok := out["name"].(map[string]any); !ok || len(name) == 0 {
		out["name"] = map[string]any{"en": "Home Assistant"}
	}
	return out
}

// driverName extracts the English driver display name for
// get_driver_version, falling back to "Home Assistant".
func driverName(raw map[string]any) string {
	if name, ok := raw["name"].(map[string]any); ok {
		if en, ok := name["en"].(string); ok && en != "" {
			return en
		}
	}
	return "Home Assistant"
}
