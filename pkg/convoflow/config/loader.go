package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings files carry deploy-time collaborator configuration: model
// budget caps, breaker thresholds, cache sizing. FromFile picks the
// decoder from the extension; FromYAML and FromJSON take raw bytes for
// settings embedded in a larger document.

// FromFile loads a settings file (.yaml, .yml, or .json).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read settings %s: %w", filepath.Base(path), err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("settings %s: no decoder for extension %q", filepath.Base(path), ext)
	}
}

// FromYAML decodes YAML settings.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("decode yaml settings: %w", err)
	}
	return New(m), nil
}

// FromJSON decodes JSON settings.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("decode json settings: %w", err)
	}
	return New(m), nil
}
