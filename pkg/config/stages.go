package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/predict"
)

//go:embed stages.yaml
var defaultStagesYAML []byte

// StageConfig describes how one stage is predicted.
type StageConfig struct {
	Name      string  `yaml:"name"`
	Heuristic string  `yaml:"heuristic,omitempty"`
	Model     bool    `yaml:"model,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
}

// StagesFile is the layout of stages.yaml.
type StagesFile struct {
	Stages  []StageConfig     `yaml:"stages"`
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

// ParseStages decodes a stages file.
func ParseStages(data []byte) (*StagesFile, error) {
	var f StagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Aliases == nil {
		f.Aliases = make(map[string]string)
	}
	return &f, nil
}

// LoadStages reads a stages file.
func LoadStages(path string) (*StagesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := ParseStages(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stages %s: %w", path, err)
	}
	return f, nil
}

func defaultStagesFile() *StagesFile {
	f, err := ParseStages(defaultStagesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded stages.yaml: %v", err))
	}
	return f
}

// DefaultStages returns the built-in stage list.
func DefaultStages() []StageConfig {
	return defaultStagesFile().Stages
}

// BuildStageTable turns stage configs into a predictor stage table.
func BuildStageTable(stages []StageConfig) (*predict.StageTable, error) {
	descs := make([]predict.Descriptor, 0, len(stages))
	for _, s := range stages {
		descs = append(descs, predict.Descriptor{
			Stage:     s.Name,
			Heuristic: s.Heuristic,
			Model:     s.Model,
			Threshold: s.Threshold,
		})
	}
	return predict.NewStageTable(descs)
}

// StageTable builds the stage table of the configuration.
func (c *Config) StageTable() (*predict.StageTable, error) {
	return BuildStageTable(c.Stages)
}
