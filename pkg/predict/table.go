package predict

import "fmt"

// Descriptor says how one stage can be predicted.
type Descriptor struct {
	Stage string
	// Heuristic names a compiled-in heuristic; empty means none.
	Heuristic string
	// Model marks a per-stage model expected in the registry.
	Model bool
	// Threshold overrides the global threshold when positive.
	Threshold float64
	// Index is the position of the stage in the table.
	Index int
}

// StageTable maps stage identifiers to descriptors. It is built once and
// read-only afterwards.
type StageTable struct {
	order []string
	byID  map[string]Descriptor
}

// NewStageTable builds a table, rejecting duplicates and unknown heuristics.
func NewStageTable(descs []Descriptor) (*StageTable, error) {
	t := &StageTable{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.Stage == "" {
			return nil, fmt.Errorf("stage table: entry %d has no stage", len(t.order))
		}
		if _, dup := t.byID[d.Stage]; dup {
			return nil, fmt.Errorf("stage table: duplicate stage %s", d.Stage)
		}
		if d.Heuristic != "" {
			if _, ok := heuristics[d.Heuristic]; !ok {
				return nil, fmt.Errorf("stage table: stage %s: unknown heuristic %s", d.Stage, d.Heuristic)
			}
		}
		if d.Threshold < 0 || d.Threshold >= 1 {
			return nil, fmt.Errorf("stage table: stage %s: threshold %v out of range", d.Stage, d.Threshold)
		}
		d.Index = len(t.order)
		t.order = append(t.order, d.Stage)
		t.byID[d.Stage] = d
	}
	return t, nil
}

// Lookup returns the descriptor for stage.
func (t *StageTable) Lookup(stage string) (Descriptor, bool) {
	if t == nil {
		return Descriptor{}, false
	}
	d, ok := t.byID[stage]
	return d, ok
}

// Stages returns stage identifiers in table order.
func (t *StageTable) Stages() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.order...)
}

// Len is the number of stages.
func (t *StageTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}
