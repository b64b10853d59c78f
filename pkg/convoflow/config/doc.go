// Package config provides type-safe configuration extraction from map[string]any.
//
// config wraps a map[string]any and provides typed accessor methods that
// handle missing keys and type mismatches gracefully by returning default
// values. Node configurations in workflow definitions are loosely typed
// (they come from YAML or JSON); handlers use Config to read them without
// verbose type assertions.
//
//	cfg := config.New(map[string]any{
//	    "model":       "claude-sonnet",
//	    "temperature": 0.7,
//	    "max_tokens":  1024,
//	})
//	model := cfg.String("model", "default-model")
//	temp := cfg.Float("temperature", 1.0)
package config
