package features

import "fmt"

// ArityError reports a vector or model whose width does not match the schema.
// It is a configuration error and is never resolved by padding.
type ArityError struct {
	Schema  string
	Want    int
	Got     int
	Context string
}

func (e *ArityError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: arity mismatch for schema %s: want %d, got %d", e.Context, e.Schema, e.Want, e.Got)
	}
	return fmt.Sprintf("arity mismatch for schema %s: want %d, got %d", e.Schema, e.Want, e.Got)
}

// Vector is an ordered set of integer features bound to a schema.
type Vector struct {
	schema *Schema
	values []int64
}

// New builds a vector, copying values. len(values) must equal the schema arity.
func New(schema *Schema, values []int64) (Vector, error) {
	if schema == nil {
		return Vector{}, fmt.Errorf("schema is required")
	}
	if len(values) != schema.Arity() {
		return Vector{}, &ArityError{Schema: schema.ID(), Want: schema.Arity(), Got: len(values)}
	}
	return Vector{schema: schema, values: append([]int64(nil), values...)}, nil
}

// FromMap builds a vector from named values. Every schema field must be present.
func FromMap(schema *Schema, m map[string]int64) (Vector, error) {
	values := make([]int64, schema.Arity())
	for i, name := range schema.fields {
		v, ok := m[name]
		if !ok {
			return Vector{}, fmt.Errorf("schema %s: missing field %s", schema.ID(), name)
		}
		values[i] = v
	}
	return Vector{schema: schema, values: values}, nil
}

// Schema returns the schema the vector is bound to.
func (v Vector) Schema() *Schema {
	return v.schema
}

// Empty reports whether v is the zero Vector.
func (v Vector) Empty() bool {
	return v.schema == nil
}

// Len is the number of fields.
func (v Vector) Len() int {
	return len(v.values)
}

// At returns the value at position i.
func (v Vector) At(i int) int64 {
	return v.values[i]
}

// Get returns a value by field name.
func (v Vector) Get(field string) (int64, bool) {
	if v.schema == nil {
		return 0, false
	}
	i, ok := v.schema.Index(field)
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Values returns a copy of the raw values.
func (v Vector) Values() []int64 {
	return append([]int64(nil), v.values...)
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	return Vector{schema: v.schema, values: v.Values()}
}

// Equal reports whether both vectors share a schema and values.
func (v Vector) Equal(o Vector) bool {
	if v.schema != o.schema || len(v.values) != len(o.values) {
		return false
	}
	for i := range v.values {
		if v.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

// AppendFloat64s appends the values as float64 to dst, in field order.
func (v Vector) AppendFloat64s(dst []float64) []float64 {
	for _, x := range v.values {
		dst = append(dst, float64(x))
	}
	return dst
}

// Map returns field name to value.
func (v Vector) Map() map[string]int64 {
	m := make(map[string]int64, len(v.values))
	for i, x := range v.values {
		m[v.schema.fields[i]] = x
	}
	return m
}
