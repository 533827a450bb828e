package features

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullSchemaOrder(t *testing.T) {
	require.Equal(t, 87, Full.Arity())
	assert.Equal(t, "full-87/v1", Full.ID())

	tests := []struct {
		index int
		field string
	}{
		{0, "BasicBlockCount"},
		{17, "MediumBasicBlock"},
		{18, "OpCodeCount_1"},
		{19, "OpCodeCount_10"},
		{28, "OpCodeCount_19"},
		{29, "OpCodeCount_2"},
		{30, "OpCodeCount_20"},
		{82, "OpCodeCount_8"},
		{83, "OpCodeCount_9"},
		{84, "SmallBasicBlock"},
		{85, "TopLevelLoopCount"},
		{86, "Uses"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.field, Full.Field(tt.index), "index %d", tt.index)
		idx, ok := Full.Index(tt.field)
		require.True(t, ok)
		assert.Equal(t, tt.index, idx)
	}
}

func TestCompactSchema(t *testing.T) {
	assert.Equal(t, 14, Compact.Arity())
	idx, ok := Compact.Index("GEP")
	require.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestLookup(t *testing.T) {
	s, err := Lookup("compact-14/v1")
	require.NoError(t, err)
	assert.Same(t, Compact, s)

	s, err = Lookup("")
	require.NoError(t, err)
	assert.Same(t, Full, s)

	_, err = Lookup("wide-200")
	assert.Error(t, err)
}

func TestNewRejectsWrongArity(t *testing.T) {
	_, err := New(Compact, make([]int64, 13))
	require.Error(t, err)

	var arity *ArityError
	require.True(t, errors.As(err, &arity))
	assert.Equal(t, 14, arity.Want)
	assert.Equal(t, 13, arity.Got)
}

func TestVectorIsIndependentOfInput(t *testing.T) {
	in := make([]int64, Compact.Arity())
	in[0] = 3
	v, err := New(Compact, in)
	require.NoError(t, err)

	in[0] = 99
	got, ok := v.Get("BasicBlockCount")
	require.True(t, ok)
	assert.Equal(t, int64(3), got)

	c := v.Clone()
	assert.True(t, v.Equal(c))
	assert.Equal(t, []float64{3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, c.AppendFloat64s(nil))
}

func TestFromMapRequiresEveryField(t *testing.T) {
	m := map[string]int64{}
	for _, f := range Compact.Fields() {
		m[f] = 1
	}
	v, err := FromMap(Compact, m)
	require.NoError(t, err)
	assert.Equal(t, 14, v.Len())

	delete(m, "PHI")
	_, err = FromMap(Compact, m)
	assert.ErrorContains(t, err, "PHI")
}
