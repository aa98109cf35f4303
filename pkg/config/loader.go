package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// crewdYAML is the on-disk shape of crewd.yaml.
type crewdYAML struct {
	Settings    *Settings                  `yaml:"settings"`
	Hierarchies map[string]HierarchyConfig `yaml:"hierarchies"`
}

// Config is the fully loaded and validated configuration.
type Config struct {
	Settings  Settings
	Registry  *HierarchyRegistry
}

// Load reads crewd.yaml (and an optional hierarchies.yaml overlay) from
// configDir, expands environment variables, merges the overlay, applies
// defaults and validates every hierarchy.
func Load(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Loading configuration")

	base, err := loadYAMLFile(filepath.Join(configDir, "crewd.yaml"))
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, fmt.Errorf("crewd.yaml not found in %s", configDir)
	}

	// Optional overlay with additional or overriding hierarchies.
	overlay, err := loadYAMLFile(filepath.Join(configDir, "hierarchies.yaml"))
	if err != nil {
		return nil, err
	}
	if overlay != nil && len(overlay.Hierarchies) > 0 {
		if base.Hierarchies == nil {
			base.Hierarchies = make(map[string]HierarchyConfig)
		}
		if err := mergo.Merge(&base.Hierarchies, overlay.Hierarchies, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge hierarchies overlay: %w", err)
		}
	}

	settings := Settings{}
	if base.Settings != nil {
		settings = *base.Settings
	}
	settings.ApplyDefaults()

	registry := NewHierarchyRegistry()
	for id, h := range base.Hierarchies {
		if h.ID == "" {
			h.ID = id
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		registry.Put(h)
	}

	log.Info("Configuration loaded", "hierarchies", registry.Len())
	return &Config{Settings: settings, Registry: registry}, nil
}

// loadYAMLFile reads, env-expands and parses one YAML file. A missing file
// returns (nil, nil) so optional overlays can be probed.
func loadYAMLFile(path string) (*crewdYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var parsed crewdYAML
	if err := yaml.Unmarshal(ExpandEnv(data), &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &parsed, nil
}
