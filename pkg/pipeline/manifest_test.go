package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	content := `name: o1
description: test
family: O1

stages:
  - name: SimplifyCFGPass
  - name: SROA
    cost: 2.5
  - name: SimplifyCFGPass
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	p, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Length() != 3 || p.Family != "O1" {
		t.Fatalf("unexpected pipeline: %+v", p)
	}
	if p.Stages[1].cost() != 2.5 || p.Stages[0].cost() != 1 {
		t.Fatalf("unexpected costs")
	}

	p.Resolve(mapResolver{"SimplifyCFGPass": "SimplifyCFG"})
	names := p.StageNames()
	if names[0] != "SimplifyCFG" || names[1] != "SROA" || names[2] != "SimplifyCFG" {
		t.Fatalf("unexpected names after resolve: %v", names)
	}
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name string
		p    Pipeline
	}{
		{name: "missing name", p: Pipeline{Stages: []*Stage{{Name: "SROA"}}}},
		{name: "no stages", p: Pipeline{Name: "x"}},
		{name: "unnamed stage", p: Pipeline{Name: "x", Stages: []*Stage{{Cost: 1}}}},
		{name: "negative cost", p: Pipeline{Name: "x", Stages: []*Stage{{Name: "SROA", Cost: -1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadManifestErrors(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := ParseManifest([]byte("stages: {")); err == nil {
		t.Fatal("expected parse error")
	}
}

type mapResolver map[string]string

func (m mapResolver) Resolve(name string) string {
	if v, ok := m[name]; ok {
		return v
	}
	return name
}
