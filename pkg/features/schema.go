// Package features defines the ordered feature vector contract shared by the
// profiler and every model. Field order is versioned: a model trained against
// one schema version must never be fed a vector built from another.
package features

import (
	"fmt"
	"sort"
	"strconv"
)

// Schema is an ordered, versioned list of field names.
type Schema struct {
	Name    string
	Version int
	fields  []string
	index   map[string]int
}

// NewSchema builds a schema from an ordered field list.
func NewSchema(name string, version int, fields []string) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema name is required")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %s: no fields", name)
	}
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := index[f]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %s", name, f)
		}
		index[f] = i
	}
	return &Schema{
		Name:    name,
		Version: version,
		fields:  append([]string(nil), fields...),
		index:   index,
	}, nil
}

func mustSchema(name string, version int, fields []string) *Schema {
	s, err := NewSchema(name, version, fields)
	if err != nil {
		panic(err)
	}
	return s
}

// ID is the versioned schema identifier, e.g. "full-87/v1".
func (s *Schema) ID() string {
	return fmt.Sprintf("%s/v%d", s.Name, s.Version)
}

// Arity is the number of fields.
func (s *Schema) Arity() int {
	return len(s.fields)
}

// Fields returns a copy of the field names in order.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Field returns the name at position i.
func (s *Schema) Field(i int) string {
	return s.fields[i]
}

// Index returns the position of a field.
func (s *Schema) Index(field string) (int, bool) {
	i, ok := s.index[field]
	return i, ok
}

// OpcodeField is the field name counting instructions of the given opcode.
func OpcodeField(op int) string {
	return "OpCodeCount_" + strconv.Itoa(op)
}

// opcodeFields returns OpCodeCount_1..OpCodeCount_n sorted by the decimal
// string of N, which is how trained models expect them.
func opcodeFields(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, strconv.Itoa(i))
	}
	sort.Strings(out)
	for i, s := range out {
		out[i] = "OpCodeCount_" + s
	}
	return out
}

// MaxOpcode is the number of opcode counters in the full schema.
const MaxOpcode = 66

var fullFields = func() []string {
	fields := []string{
		"BasicBlockCount",
		"BasicBlockWithMoreThanTwoPredecessors",
		"BasicBlockWithMoreThanTwoSuccessors",
		"BasicBlockWithSinglePredecessor",
		"BasicBlockWithSingleSuccessor",
		"BasicBlockWithTwoPredecessors",
		"BasicBlockWithTwoSuccessors",
		"BigBasicBlock",
		"BlocksReachedFromConditionalInstruction",
		"CastInstCount",
		"DirectCallsToDefinedFunctions",
		"FloatingConstantOccurrences",
		"FloatingPointInstCount",
		"InstructionCount",
		"IntegerConstantOccurrences",
		"IntegerInstCount",
		"MaxLoopDepth",
		"MediumBasicBlock",
	}
	fields = append(fields, opcodeFields(MaxOpcode)...)
	return append(fields,
		"SmallBasicBlock",
		"TopLevelLoopCount",
		"Uses",
	)
}()

// Full is the 87-field schema.
var Full = mustSchema("full-87", 1, fullFields)

// Compact is the 14-field schema used by small models.
var Compact = mustSchema("compact-14", 1, []string{
	"BasicBlockCount",
	"IntegerConstantOccurrences",
	"BasicBlockWithSingleSuccessor",
	"GEP",
	"MaxLoopDepth",
	"Call",
	"Alloca",
	"Store",
	"TopLevelLoopCount",
	"IntegerInstCount",
	"PHI",
	"BasicBlockWithSinglePredecessor",
	"Load",
	"InstructionCount",
})

// Lookup resolves a schema by name or versioned ID.
func Lookup(name string) (*Schema, error) {
	switch name {
	case "", Full.Name, Full.ID():
		return Full, nil
	case Compact.Name, Compact.ID():
		return Compact, nil
	}
	return nil, fmt.Errorf("unknown feature schema %q", name)
}
