package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/ir"
)

// Oracle applies a stage to a unit and reports whether it changed it.
type Oracle interface {
	Apply(ctx context.Context, u ir.Unit, stage string, pos int) (changed bool, err error)
}

// TruthEntry lists, for one unit, which stages change it. Positions
// override Stages for repeated stages.
type TruthEntry struct {
	Stages    map[string]bool `yaml:"stages,omitempty"`
	Positions map[int]bool    `yaml:"positions,omitempty"`
}

// TruthOracle replays a recorded table of outcomes. Unknown units and
// stages are treated as no-ops.
type TruthOracle struct {
	Units map[string]TruthEntry `yaml:"units"`

	mu      sync.Mutex
	applied int
}

// LoadTruth reads a truth table from a YAML file.
func LoadTruth(path string) (*TruthOracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := ParseTruth(data)
	if err != nil {
		return nil, fmt.Errorf("parse truth table %s: %w", path, err)
	}
	return t, nil
}

// ParseTruth decodes a truth table.
func ParseTruth(data []byte) (*TruthOracle, error) {
	var t TruthOracle
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Units == nil {
		t.Units = make(map[string]TruthEntry)
	}
	return &t, nil
}

// WouldChange reports the recorded outcome without counting an application.
func (t *TruthOracle) WouldChange(unit, stage string, pos int) bool {
	entry, ok := t.Units[unit]
	if !ok {
		return false
	}
	if changed, ok := entry.Positions[pos]; ok {
		return changed
	}
	return entry.Stages[stage]
}

// Apply implements Oracle.
func (t *TruthOracle) Apply(ctx context.Context, u ir.Unit, stage string, pos int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t.mu.Lock()
	t.applied++
	t.mu.Unlock()
	return t.WouldChange(u.Key(), stage, pos), nil
}

// Applied is the number of Apply calls so far.
func (t *TruthOracle) Applied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied
}
