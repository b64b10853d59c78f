package convoflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition describes a workflow. It is immutable per run and owned
// by the caller; the engine never mutates it.
type Definition struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	EntryPoint string `yaml:"entry_point" json:"entry_point"`
	Nodes      []Node `yaml:"nodes" json:"nodes"`
	Edges      []Edge `yaml:"edges" json:"edges"`
}

// Node is one step in a workflow definition. Type-specific settings
// (routes, slots, model parameters) live in Config.
type Node struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Next   string         `yaml:"next,omitempty" json:"next,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Edge is a static edge in the definition's explicit edge list. Both
// the legacy per-node Next pointer and this list produce static edges.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// DefinitionFromYAML parses a workflow definition from YAML.
func DefinitionFromYAML(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse workflow definition: %w", err)
	}
	return def, nil
}

// DefinitionFromFile loads a workflow definition from a YAML file.
func DefinitionFromFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read workflow definition: %w", err)
	}
	return DefinitionFromYAML(data)
}
