package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// applyOverlay merges a YAML config file into cfg. Only keys present in
// the file are touched; the environment still wins afterwards.
func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config overlay %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	return nil
}
