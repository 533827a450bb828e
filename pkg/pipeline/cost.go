package pipeline

import (
	"sync"

	"github.com/zen-systems/stagegate/pkg/evidence"
)

// costTracker accumulates executed and avoided work across workers.
type costTracker struct {
	mu    sync.Mutex
	total evidence.CostReport
}

func newCostTracker() *costTracker {
	return &costTracker{}
}

// step tallies one stage position. wouldChange is what running the stage
// would have done; for executed stages it equals changed.
func step(r *evidence.CostReport, stage *Stage, ran, wouldChange bool) {
	r.Stages++
	if ran {
		r.Executed++
		r.ExecutedCost += stage.cost()
		if !wouldChange {
			r.Wasted++
		}
		return
	}
	r.Skipped++
	r.SavedCost += stage.cost()
	if wouldChange {
		r.Missed++
	}
}

func (t *costTracker) add(r evidence.CostReport) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.total.Add(r)
	t.mu.Unlock()
}

func (t *costTracker) report() evidence.CostReport {
	if t == nil {
		return evidence.CostReport{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
