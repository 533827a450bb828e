// Package profile extracts structural properties from a function. Analyze is
// pure: it reads the function and never mutates it, so two calls over the
// same structure yield identical vectors.
package profile

import (
	"fmt"

	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/ir"
)

// Block size classes.
const (
	bigBlockThreshold    = 500
	mediumBlockThreshold = 15
)

// Properties are the raw structural counts of one function.
type Properties struct {
	BasicBlockCount                         int64
	BasicBlockWithMoreThanTwoPredecessors   int64
	BasicBlockWithMoreThanTwoSuccessors     int64
	BasicBlockWithSinglePredecessor         int64
	BasicBlockWithSingleSuccessor           int64
	BasicBlockWithTwoPredecessors           int64
	BasicBlockWithTwoSuccessors             int64
	BigBasicBlock                           int64
	BlocksReachedFromConditionalInstruction int64
	CastInstCount                           int64
	DirectCallsToDefinedFunctions           int64
	FloatingConstantOccurrences             int64
	FloatingPointInstCount                  int64
	InstructionCount                        int64
	IntegerConstantOccurrences              int64
	IntegerInstCount                        int64
	MaxLoopDepth                            int64
	MediumBasicBlock                        int64
	SmallBasicBlock                         int64
	TopLevelLoopCount                       int64
	Uses                                    int64

	// OpCodeCount is indexed by opcode number; slot 0 is unused.
	OpCodeCount [features.MaxOpcode + 1]int64
}

// Analyze computes the properties of fn.
func Analyze(fn *ir.Function) Properties {
	var p Properties

	p.Uses = int64(fn.Uses)
	if fn.External {
		p.Uses++
	}
	p.InstructionCount = int64(fn.Size())

	preds := fn.Predecessors()
	depths := fn.LoopDepths()
	module := fn.Module()

	for _, b := range fn.Blocks {
		p.BasicBlockCount++

		if term := b.Terminator(); term != nil {
			switch {
			case term.Op == ir.OpBr && len(term.Targets) == 2:
				p.BlocksReachedFromConditionalInstruction += 2
			case term.Op == ir.OpSwitch:
				p.BlocksReachedFromConditionalInstruction += int64(len(term.Targets))
			}
		}

		switch n := len(b.Successors()); {
		case n == 1:
			p.BasicBlockWithSingleSuccessor++
		case n == 2:
			p.BasicBlockWithTwoSuccessors++
		case n > 2:
			p.BasicBlockWithMoreThanTwoSuccessors++
		}

		switch n := preds[b.Name]; {
		case n == 1:
			p.BasicBlockWithSinglePredecessor++
		case n == 2:
			p.BasicBlockWithTwoPredecessors++
		case n > 2:
			p.BasicBlockWithMoreThanTwoPredecessors++
		}

		switch size := len(b.Instrs); {
		case size > bigBlockThreshold:
			p.BigBasicBlock++
		case size >= mediumBlockThreshold:
			p.MediumBasicBlock++
		default:
			p.SmallBasicBlock++
		}

		for _, in := range b.Instrs {
			if in.Op.IsCall() && in.Callee != "" && module != nil && module.IsDefinedCallee(in.Callee) {
				p.DirectCallsToDefinedFunctions++
			}

			if in.Op.IsBinary() {
				switch in.Type {
				case ir.TypeFloat:
					p.FloatingPointInstCount++
				case ir.TypeInt:
					p.IntegerInstCount++
				}
			}

			for _, c := range in.Consts {
				switch c {
				case ir.TypeInt:
					p.IntegerConstantOccurrences++
				case ir.TypeFloat:
					p.FloatingConstantOccurrences++
				}
			}

			if in.Op.IsCast() {
				p.CastInstCount++
			}

			if in.Op.Valid() {
				p.OpCodeCount[in.Op]++
			}
		}

		if d := int64(depths[b.Name]); d > p.MaxLoopDepth {
			p.MaxLoopDepth = d
		}
	}
	p.TopLevelLoopCount = int64(len(fn.Loops))
	return p
}

// Fields returns every named property, including opcode counters and the
// compact aliases.
func (p Properties) Fields() map[string]int64 {
	m := map[string]int64{
		"BasicBlockCount":                         p.BasicBlockCount,
		"BasicBlockWithMoreThanTwoPredecessors":   p.BasicBlockWithMoreThanTwoPredecessors,
		"BasicBlockWithMoreThanTwoSuccessors":     p.BasicBlockWithMoreThanTwoSuccessors,
		"BasicBlockWithSinglePredecessor":         p.BasicBlockWithSinglePredecessor,
		"BasicBlockWithSingleSuccessor":           p.BasicBlockWithSingleSuccessor,
		"BasicBlockWithTwoPredecessors":           p.BasicBlockWithTwoPredecessors,
		"BasicBlockWithTwoSuccessors":             p.BasicBlockWithTwoSuccessors,
		"BigBasicBlock":                           p.BigBasicBlock,
		"BlocksReachedFromConditionalInstruction": p.BlocksReachedFromConditionalInstruction,
		"CastInstCount":                           p.CastInstCount,
		"DirectCallsToDefinedFunctions":           p.DirectCallsToDefinedFunctions,
		"FloatingConstantOccurrences":             p.FloatingConstantOccurrences,
		"FloatingPointInstCount":                  p.FloatingPointInstCount,
		"InstructionCount":                        p.InstructionCount,
		"IntegerConstantOccurrences":              p.IntegerConstantOccurrences,
		"IntegerInstCount":                        p.IntegerInstCount,
		"MaxLoopDepth":                            p.MaxLoopDepth,
		"MediumBasicBlock":                        p.MediumBasicBlock,
		"SmallBasicBlock":                         p.SmallBasicBlock,
		"TopLevelLoopCount":                       p.TopLevelLoopCount,
		"Uses":                                    p.Uses,

		"GEP":    p.OpCodeCount[ir.OpGetElementPtr],
		"Call":   p.OpCodeCount[ir.OpCall],
		"Alloca": p.OpCodeCount[ir.OpAlloca],
		"Store":  p.OpCodeCount[ir.OpStore],
		"Load":   p.OpCodeCount[ir.OpLoad],
		"PHI":    p.OpCodeCount[ir.OpPHI],
	}
	for op := 1; op <= features.MaxOpcode; op++ {
		m[features.OpcodeField(op)] = p.OpCodeCount[op]
	}
	return m
}

// Vector projects the properties onto schema.
func (p Properties) Vector(schema *features.Schema) (features.Vector, error) {
	return features.FromMap(schema, p.Fields())
}

// Profiler turns functions into feature vectors of a fixed schema.
type Profiler struct {
	Schema *features.Schema
}

// New returns a profiler for schema. A nil schema selects the full schema.
func New(schema *features.Schema) *Profiler {
	if schema == nil {
		schema = features.Full
	}
	return &Profiler{Schema: schema}
}

// Profile computes the feature vector of u. Only *ir.Function is understood.
func (p *Profiler) Profile(u ir.Unit) (features.Vector, error) {
	fn, ok := u.(*ir.Function)
	if !ok {
		return features.Vector{}, fmt.Errorf("profile: unsupported unit type %T", u)
	}
	return Analyze(fn).Vector(p.Schema)
}
