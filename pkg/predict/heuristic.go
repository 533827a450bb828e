package predict

import (
	"sort"

	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/model"
)

// term is one weighted feature. The first name that the vector's schema
// knows is used; a feature absent from the schema contributes nothing.
type term struct {
	names  []string
	weight float64
}

// Heuristic is a closed-form logistic scorer for one stage.
type Heuristic struct {
	Name      string
	intercept float64
	terms     []term
}

// Score returns the logistic score of v.
func (h *Heuristic) Score(v features.Vector) float64 {
	z := h.intercept
	for _, t := range h.terms {
		for _, name := range t.names {
			if x, ok := v.Get(name); ok {
				z += t.weight * float64(x)
				break
			}
		}
	}
	return model.Sigmoid(z)
}

func anyOf(names ...string) []string { return names }

var (
	loads   = anyOf("OpCodeCount_32", "Load")
	stores  = anyOf("OpCodeCount_33", "Store")
	allocas = anyOf("OpCodeCount_31", "Alloca")
	geps    = anyOf("OpCodeCount_34", "GEP")
	phis    = anyOf("OpCodeCount_55", "PHI")
	calls   = anyOf("OpCodeCount_56", "Call")
)

var heuristics = map[string]*Heuristic{
	"LICM": {
		Name:      "LICM",
		intercept: -2.0,
		terms: []term{
			{anyOf("MaxLoopDepth"), 1.2},
			{anyOf("TopLevelLoopCount"), 0.8},
			{loads, 0.05},
			{stores, 0.04},
			{calls, -0.03},
		},
	},
	"GVN": {
		Name:      "GVN",
		intercept: -1.5,
		terms: []term{
			{loads, 0.06},
			{phis, 0.05},
			{anyOf("IntegerInstCount"), 0.03},
			{anyOf("InstructionCount"), 0.01},
			{anyOf("BasicBlockCount"), -0.02},
		},
	},
	"Reassociate": {
		Name:      "Reassociate",
		intercept: -2.5,
		terms: []term{
			{anyOf("IntegerInstCount"), 0.12},
			{anyOf("IntegerConstantOccurrences"), 0.04},
			{anyOf("FloatingPointInstCount"), 0.05},
		},
	},
	"SROA": {
		Name:      "SROA",
		intercept: -1.0,
		terms: []term{
			{allocas, 0.9},
			{geps, 0.05},
			{loads, 0.02},
			{stores, 0.02},
		},
	},
	"InstSimplify": {
		Name:      "InstSimplify",
		intercept: -1.2,
		terms: []term{
			{anyOf("IntegerConstantOccurrences"), 0.05},
			{anyOf("IntegerInstCount"), 0.04},
			{anyOf("CastInstCount"), 0.05},
			{phis, 0.03},
		},
	},
}

// LookupHeuristic returns the compiled-in heuristic with the given name.
func LookupHeuristic(name string) (*Heuristic, bool) {
	h, ok := heuristics[name]
	return h, ok
}

// HeuristicNames lists the compiled-in heuristics.
func HeuristicNames() []string {
	names := make([]string, 0, len(heuristics))
	for name := range heuristics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
