package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// backendsFile is the top-level shape of a BACKENDS_FILE document.
type backendsFile struct {
	Backends []BackendConfig `yaml:"backends"`
}

// loadBackends resolves the backend list for [FromEnv]. A non-empty file
// path wins over the inline JSON value (spec.md §6: BACKENDS_FILE is the
// escape hatch for operators who'd rather not inline JSON into an env var).
func loadBackends(file, inline string) ([]BackendConfig, error) {
	if file != "" {
		return loadBackendsFile(file)
	}
	if inline != "" {
		var backends []BackendConfig
		if err := json.Unmarshal([]byte(inline), &backends); err != nil {
			return nil, fmt.Errorf("config: parse BACKENDS: %w", err)
		}
		return backends, nil
	}
	return nil, nil
}

// loadBackendsFile reads and parses a YAML BACKENDS_FILE document.
func loadBackendsFile(path string) ([]BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var doc backendsFile
	dec := yaml.NewDecoder(bytesReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return doc.Backends, nil
}
