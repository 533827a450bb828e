package ir

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadModule reads a module definition from a YAML file.
func LoadModule(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseModule(data)
	if err != nil {
		return nil, fmt.Errorf("parse module %s: %w", path, err)
	}
	return m, nil
}

// ParseModule decodes and validates a YAML module.
func ParseModule(data []byte) (*Module, error) {
	var m Module
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(m.Functions))
	for _, f := range m.Functions {
		if f == nil {
			return nil, fmt.Errorf("empty function entry")
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[f.Name]; ok {
			return nil, fmt.Errorf("duplicate function %s", f.Name)
		}
		seen[f.Name] = struct{}{}
		f.module = &m
	}
	return &m, nil
}
