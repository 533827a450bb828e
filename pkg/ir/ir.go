// Package ir holds the structural model of a work unit: a function made of
// blocks of instructions, plus the loop forest over those blocks.
//
// The engine never creates or mutates units; it only reads their structure
// and identity through the Unit capability.
package ir

import "fmt"

// Unit is the capability the decision engine needs from a work unit.
type Unit interface {
	// Key is a stable identity for the lifetime of the unit.
	Key() string

	// Size is the number of primitive operations in the unit.
	Size() int
}

// ValueType is the coarse result type of an instruction or constant.
type ValueType string

const (
	TypeVoid   ValueType = "void"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypePtr    ValueType = "ptr"
	TypeVector ValueType = "vector"
)

// Instr is a single instruction.
type Instr struct {
	Op   Opcode    `yaml:"op"`
	Type ValueType `yaml:"type,omitempty"`
	// Consts lists the types of constant operands.
	Consts []ValueType `yaml:"consts,omitempty"`
	// Callee names the called function for call-like instructions.
	Callee string `yaml:"callee,omitempty"`
	// Targets lists successor blocks for terminators. A br with two
	// targets is conditional; for a switch the first target is the default.
	Targets []string `yaml:"targets,omitempty"`
}

// Block is a basic block.
type Block struct {
	Name   string  `yaml:"name"`
	Instrs []Instr `yaml:"instrs"`
}

// Terminator returns the last instruction if it ends the block.
func (b *Block) Terminator() *Instr {
	if b == nil || len(b.Instrs) == 0 {
		return nil
	}
	last := &b.Instrs[len(b.Instrs)-1]
	if !last.Op.IsTerminator() {
		return nil
	}
	return last
}

// Successors returns the names of the blocks this block may branch to.
func (b *Block) Successors() []string {
	term := b.Terminator()
	if term == nil {
		return nil
	}
	return term.Targets
}

// Loop is a natural loop; SubLoops nest inside it.
type Loop struct {
	Header   string   `yaml:"header"`
	Blocks   []string `yaml:"blocks"`
	SubLoops []*Loop  `yaml:"loops,omitempty"`
}

// Function is a work unit.
type Function struct {
	Name string `yaml:"name"`
	// External marks a function callable from outside its module.
	External bool `yaml:"external,omitempty"`
	// Declaration marks a body-less function.
	Declaration bool `yaml:"declaration,omitempty"`
	Intrinsic   bool `yaml:"intrinsic,omitempty"`
	// Uses is the number of use sites within the module.
	Uses   int      `yaml:"uses,omitempty"`
	Blocks []*Block `yaml:"blocks"`
	Loops  []*Loop  `yaml:"loops,omitempty"`

	module *Module
}

// Key returns module-qualified function name.
func (f *Function) Key() string {
	if f.module != nil && f.module.Name != "" {
		return f.module.Name + "::" + f.Name
	}
	return f.Name
}

// Size returns the instruction count.
func (f *Function) Size() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Instrs)
	}
	return n
}

// Module returns the module the function belongs to, if any.
func (f *Function) Module() *Module {
	return f.module
}

// Block returns the named block.
func (f *Function) Block(name string) (*Block, bool) {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// Predecessors counts incoming edges per block name.
func (f *Function) Predecessors() map[string]int {
	preds := make(map[string]int, len(f.Blocks))
	for _, b := range f.Blocks {
		for _, succ := range b.Successors() {
			preds[succ]++
		}
	}
	return preds
}

// LoopDepths maps each block name to the depth of its innermost loop.
func (f *Function) LoopDepths() map[string]int {
	depths := make(map[string]int)
	var walk func(loops []*Loop, depth int)
	walk = func(loops []*Loop, depth int) {
		for _, l := range loops {
			for _, name := range l.Blocks {
				if depths[name] < depth {
					depths[name] = depth
				}
			}
			walk(l.SubLoops, depth+1)
		}
	}
	walk(f.Loops, 1)
	return depths
}

// Validate checks that every branch target and loop block exists.
func (f *Function) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("function name is required")
	}
	seen := make(map[string]struct{}, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.Name == "" {
			return fmt.Errorf("function %s: block name is required", f.Name)
		}
		if _, ok := seen[b.Name]; ok {
			return fmt.Errorf("function %s: duplicate block %s", f.Name, b.Name)
		}
		seen[b.Name] = struct{}{}
		for i, in := range b.Instrs {
			if !in.Op.Valid() {
				return fmt.Errorf("function %s: block %s: instruction %d has no opcode", f.Name, b.Name, i)
			}
		}
	}
	for _, b := range f.Blocks {
		for _, succ := range b.Successors() {
			if _, ok := seen[succ]; !ok {
				return fmt.Errorf("function %s: block %s branches to unknown block %s", f.Name, b.Name, succ)
			}
		}
	}
	var checkLoops func(loops []*Loop) error
	checkLoops = func(loops []*Loop) error {
		for _, l := range loops {
			for _, name := range l.Blocks {
				if _, ok := seen[name]; !ok {
					return fmt.Errorf("function %s: loop %s names unknown block %s", f.Name, l.Header, name)
				}
			}
			if err := checkLoops(l.SubLoops); err != nil {
				return err
			}
		}
		return nil
	}
	return checkLoops(f.Loops)
}

// Module is a collection of functions.
type Module struct {
	Name      string      `yaml:"module"`
	Functions []*Function `yaml:"functions"`
}

// Function returns the named function.
func (m *Module) Function(name string) (*Function, bool) {
	if m == nil {
		return nil, false
	}
	for _, f := range m.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Add attaches a function to the module.
func (m *Module) Add(f *Function) {
	f.module = m
	m.Functions = append(m.Functions, f)
}

// IsDefinedCallee reports whether a call to name lands on a function with a
// body in this module. Intrinsics and declarations do not count.
func (m *Module) IsDefinedCallee(name string) bool {
	callee, ok := m.Function(name)
	if !ok {
		return false
	}
	return !callee.Declaration && !callee.Intrinsic
}
