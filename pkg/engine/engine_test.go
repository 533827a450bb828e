package engine

import (
	"bufio"
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/stagegate/pkg/batch"
	"github.com/zen-systems/stagegate/pkg/dataset"
	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/ir"
	"github.com/zen-systems/stagegate/pkg/model"
	"github.com/zen-systems/stagegate/pkg/predict"
)

type fakeUnit struct {
	key  string
	size int
}

func (u fakeUnit) Key() string { return u.key }
func (u fakeUnit) Size() int   { return u.size }

// countingProfiler returns a fixed vector and counts invocations.
type countingProfiler struct {
	calls  atomic.Int64
	vector features.Vector
	err    error
}

func (p *countingProfiler) Profile(Unit) (features.Vector, error) {
	p.calls.Add(1)
	if p.err != nil {
		return features.Vector{}, p.err
	}
	return p.vector, nil
}

func fullVector(t *testing.T, set map[string]int64) features.Vector {
	t.Helper()
	values := make([]int64, features.Full.Arity())
	for name, v := range set {
		i, ok := features.Full.Index(name)
		require.True(t, ok, name)
		values[i] = v
	}
	v, err := features.New(features.Full, values)
	require.NoError(t, err)
	return v
}

func stageTable(t *testing.T) *predict.StageTable {
	t.Helper()
	table, err := predict.NewStageTable([]predict.Descriptor{
		{Stage: "SROA", Heuristic: "SROA", Model: true},
		{Stage: "GVN", Heuristic: "GVN", Model: true},
		{Stage: "LICM", Heuristic: "LICM", Model: true},
		{Stage: "InstSimplify", Heuristic: "InstSimplify"},
		{Stage: "Reassociate", Heuristic: "Reassociate"},
		{Stage: "BDCE"},
	})
	require.NoError(t, err)
	return table
}

func TestReuseBoundForcesRecompute(t *testing.T) {
	prof := &countingProfiler{vector: fullVector(t, map[string]int64{"OpCodeCount_31": 8})}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof))
	require.NoError(t, err)

	u := fakeUnit{key: "f", size: 50}
	stages := []string{"SROA", "GVN", "LICM", "InstSimplify", "Reassociate"}
	for i, stage := range stages {
		e.ShouldRun(context.Background(), u, stage, i)
	}
	assert.Equal(t, int64(1), prof.calls.Load())
	assert.Equal(t, int64(4), e.Stats().Reuses)

	assert.True(t, e.ShouldRun(context.Background(), u, "SROA", 5))
	assert.Equal(t, int64(2), prof.calls.Load())
}

func TestChangedOutcomeAdvancesReuseCounter(t *testing.T) {
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof))
	require.NoError(t, err)
	u := fakeUnit{key: "f", size: 50}

	e.ShouldRun(context.Background(), u, "SROA", 0)
	for i := 0; i < 4; i++ {
		e.RecordOutcome(context.Background(), u, "SROA", 0, true)
	}
	e.ShouldRun(context.Background(), u, "GVN", 1)
	assert.Equal(t, int64(2), prof.calls.Load())
}

func TestResetInvalidates(t *testing.T) {
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof))
	require.NoError(t, err)
	u := fakeUnit{key: "f", size: 50}

	e.ShouldRun(context.Background(), u, "SROA", 0)
	e.ShouldRun(context.Background(), u, "GVN", 1)
	require.Equal(t, int64(1), prof.calls.Load())

	e.Reset(u)
	e.ShouldRun(context.Background(), u, "LICM", 2)
	assert.Equal(t, int64(2), prof.calls.Load())
}

func TestTrivialUnitAlwaysRuns(t *testing.T) {
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof))
	require.NoError(t, err)

	assert.True(t, e.ShouldRun(context.Background(), fakeUnit{key: "tiny", size: 4}, "SROA", 0))
	assert.Zero(t, prof.calls.Load())
	assert.Equal(t, int64(1), e.Stats().Trivial)
}

func TestUnknownStageRuns(t *testing.T) {
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof))
	require.NoError(t, err)

	assert.True(t, e.ShouldRun(context.Background(), fakeUnit{key: "f", size: 50}, "LoopRotate", 0))
	assert.Zero(t, prof.calls.Load())
}

func TestFailingProfilerBehavesLikeDisabledEngine(t *testing.T) {
	for _, strategy := range []predict.Strategy{predict.StrategyHeuristic, predict.StrategyModel, predict.StrategyBatch} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Strategy = strategy
			prof := &countingProfiler{err: errors.New("boom")}
			e, err := New(cfg, stageTable(t), model.NewRegistry(model.NewStaticSource()), WithProfiler(prof))
			require.NoError(t, err)

			u := fakeUnit{key: "f", size: 50}
			e.Begin(context.Background(), u, 31, "O3")
			for pos := 0; pos < 31; pos++ {
				stage := stageTable(t).Stages()[pos%6]
				assert.True(t, e.ShouldRun(context.Background(), u, stage, pos), "position %d", pos)
				e.RecordOutcome(context.Background(), u, stage, pos, false)
			}
		})
	}
}

type panickingProfiler struct{}

func (panickingProfiler) Profile(Unit) (features.Vector, error) {
	panic("corrupt unit")
}

func TestPanicIsRecovered(t *testing.T) {
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(panickingProfiler{}))
	require.NoError(t, err)

	assert.True(t, e.ShouldRun(context.Background(), fakeUnit{key: "f", size: 50}, "SROA", 0))
	assert.Equal(t, int64(1), e.Stats().FailOpens)
}

func TestHeuristicSkip(t *testing.T) {
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof))
	require.NoError(t, err)
	u := fakeUnit{key: "f", size: 50}

	// An empty function gives SROA no allocas to promote.
	assert.False(t, e.ShouldRun(context.Background(), u, "SROA", 0))
	// BDCE has neither heuristic nor model.
	assert.True(t, e.ShouldRun(context.Background(), u, "BDCE", 1))
}

// windowModel scores every position of its window the same way.
type windowModel struct {
	inputs int
	score  float64
}

func (m windowModel) Name() string { return "window" }
func (m windowModel) Inputs() int  { return m.inputs }
func (m windowModel) Outputs() int { return 6 }
func (m windowModel) Run(_, out []float64) error {
	for i := range out {
		out[i] = m.score
	}
	return nil
}

func TestBatchEndToEnd(t *testing.T) {
	src := model.NewStaticSource()
	for _, idx := range []int{6, 12, 18, 24, 30} {
		src.Add(model.CheckpointKey(idx, "O3"), windowModel{inputs: features.Full.Arity() + 6, score: 0.2})
	}
	cfg := DefaultConfig()
	cfg.Strategy = predict.StrategyBatch
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(cfg, stageTable(t), model.NewRegistry(src), WithProfiler(prof))
	require.NoError(t, err)

	u := fakeUnit{key: "f", size: 100}
	require.True(t, e.Begin(context.Background(), u, 31, "O3"))

	stages := stageTable(t).Stages()
	var skipped []int
	for pos := 0; pos < 31; pos++ {
		run := e.ShouldRun(context.Background(), u, stages[pos%len(stages)], pos)
		if !run {
			skipped = append(skipped, pos)
		}
		// Every executed stage changes the unit.
		e.RecordOutcome(context.Background(), u, stages[pos%len(stages)], pos, run)
	}

	assert.LessOrEqual(t, prof.calls.Load(), int64(7))
	assert.Equal(t, int64(6), prof.calls.Load())
	assert.Equal(t, int64(5), e.Stats().Checkpoints)

	for _, pos := range []int{0, 1, 2, 3, 4, 5} {
		assert.NotContains(t, skipped, pos, "before the first checkpoint every stage runs")
	}
	// Pass-through 14 follows 13, which was skipped and so unchanged.
	assert.Contains(t, skipped, 13)
	assert.Contains(t, skipped, 14)
	assert.Contains(t, skipped, 30)

	s, ok := e.Session(u)
	require.True(t, ok)
	assert.Equal(t, batch.Exhausted, s.State())
}

func TestBatchInactiveForShortPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = predict.StrategyBatch
	prof := &countingProfiler{vector: fullVector(t, nil)}
	e, err := New(cfg, stageTable(t), model.NewRegistry(nil), WithProfiler(prof))
	require.NoError(t, err)

	u := fakeUnit{key: "f", size: 100}
	assert.False(t, e.Begin(context.Background(), u, 29, ""))
	for pos := 0; pos < 29; pos++ {
		assert.True(t, e.ShouldRun(context.Background(), u, "SROA", pos))
	}
	assert.Zero(t, prof.calls.Load())
}

func TestDatasetDumpUsesLastFeatures(t *testing.T) {
	w, err := dataset.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)

	prof := &countingProfiler{vector: fullVector(t, map[string]int64{"BasicBlockCount": 3})}
	e, err := New(DefaultConfig(), stageTable(t), nil, WithProfiler(prof), WithDataset(w))
	require.NoError(t, err)

	u := fakeUnit{key: "m::f", size: 50}
	// No features yet: nothing to dump.
	e.RecordOutcome(context.Background(), u, "SROA", 0, true)
	e.ShouldRun(context.Background(), u, "GVN", 1)
	e.RecordOutcome(context.Background(), u, "GVN", 1, false)
	require.NoError(t, e.Close())

	f, err := os.Open(w.Path())
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		assert.Contains(t, scanner.Text(), `"pass":"GVN"`)
	}
	assert.Equal(t, 1, lines)
}

func TestEngineProfilesRealFunctions(t *testing.T) {
	m, err := ir.ParseModule([]byte(`module: m
functions:
  - name: f
    blocks:
      - name: entry
        instrs:
          - {op: alloca, type: ptr}
          - {op: alloca, type: ptr}
          - {op: alloca, type: ptr}
          - {op: store, consts: [int]}
          - {op: load, type: int}
          - {op: ret}
`))
	require.NoError(t, err)
	fn, _ := m.Function("f")

	e, err := New(DefaultConfig(), stageTable(t), nil)
	require.NoError(t, err)

	// sigmoid(-1 + 0.9*3 + 0.02 + 0.02) > 0.5
	assert.True(t, e.ShouldRun(context.Background(), fn, "SROA", 0))
	assert.Equal(t, int64(1), e.Stats().ProfilerInvocations)
}

func TestNewValidatesStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = "oracle"
	_, err := New(cfg, stageTable(t), nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
