package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/stagegate/pkg/predict"
)

func record() Record {
	return Record{
		Stages: []string{"SROA", "GVN"},
		Decisions: []predict.Decision{
			{Stage: "SROA", Run: true},
			{Stage: "GVN", Run: false},
		},
		PipelineLength: 2,
	}
}

func TestReuseBound(t *testing.T) {
	c := New(0)
	require.Equal(t, DefaultBudget, c.Budget())
	assert.Equal(t, Empty, c.State("f"))

	c.Store("f", record())
	assert.Equal(t, Fresh, c.State("f"))

	for i := 0; i < DefaultBudget; i++ {
		d, ok := c.Reuse("f", "GVN")
		require.True(t, ok, "reuse %d", i)
		assert.False(t, d.Run)
	}
	assert.Equal(t, Stale, c.State("f"))
	_, ok := c.Reuse("f", "GVN")
	assert.False(t, ok)

	c.Store("f", record())
	assert.Equal(t, Fresh, c.State("f"))
	assert.Equal(t, 0, c.Get("f").ReuseCount)
}

func TestTouchAccruesStaleness(t *testing.T) {
	c := New(2)
	c.Store("f", record())
	c.Touch("f")
	assert.True(t, c.ShouldReuse("f"))
	c.Touch("f")
	assert.False(t, c.ShouldReuse("f"))

	// Touching an unknown key is a no-op.
	c.Touch("g")
	assert.Equal(t, Empty, c.State("g"))
}

func TestReuseUnknownStage(t *testing.T) {
	c := New(4)
	c.Store("f", record())
	_, ok := c.Reuse("f", "LICM")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Get("f").ReuseCount)
}

func TestInvalidate(t *testing.T) {
	c := New(4)
	c.Store("f", record())
	c.Store("g", record())
	c.Invalidate("f")
	assert.Equal(t, Empty, c.State("f"))
	assert.Nil(t, c.Get("f"))
	assert.Equal(t, 1, c.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	c := New(4)
	c.Store("f", record())
	r := c.Get("f")
	r.Decisions[0].Run = false
	r.ReuseCount = 99

	d, ok := c.Reuse("f", "SROA")
	require.True(t, ok)
	assert.True(t, d.Run)
	assert.Equal(t, 1, c.Get("f").ReuseCount)
}
