package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pipeline is an ordered sequence of stages applied to every unit. The same
// stage may appear at several positions.
type Pipeline struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Family      string   `yaml:"family,omitempty"`
	Stages      []*Stage `yaml:"stages"`
}

// Stage is one position of the pipeline.
type Stage struct {
	Name string `yaml:"name"`
	// Cost is the relative price of running the stage; zero means 1.
	Cost float64 `yaml:"cost,omitempty"`
}

// Resolver maps pass names to stage identifiers.
type Resolver interface {
	Resolve(name string) string
}

// LoadManifest reads a pipeline definition from a YAML file.
func LoadManifest(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	return p, nil
}

// ParseManifest decodes a pipeline definition.
func ParseManifest(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// Validate checks the pipeline configuration for errors.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline must define at least one stage")
	}
	for i, stage := range p.Stages {
		if stage == nil || stage.Name == "" {
			return fmt.Errorf("stage %d: name is required", i)
		}
		if stage.Cost < 0 {
			return fmt.Errorf("stage %d (%s): negative cost", i, stage.Name)
		}
	}
	return nil
}

// Resolve rewrites stage names through r, so manifests may use the names
// the compiler prints.
func (p *Pipeline) Resolve(r Resolver) {
	if r == nil {
		return
	}
	for _, stage := range p.Stages {
		if stage != nil {
			stage.Name = r.Resolve(stage.Name)
		}
	}
}

// Length is the number of stage positions.
func (p *Pipeline) Length() int {
	return len(p.Stages)
}

// StageNames lists the stage at every position.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

func (s *Stage) cost() float64 {
	if s.Cost == 0 {
		return 1
	}
	return s.Cost
}
