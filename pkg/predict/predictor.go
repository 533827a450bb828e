// Package predict answers "will this stage change this unit?" for a single
// stage from a feature vector. When it cannot reason about a stage it says
// "run": a stage is never suppressed on missing information.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/model"
)

// DefaultThreshold is the score above which a stage is predicted to change
// the unit.
const DefaultThreshold = 0.5

var predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagegate_predictions_total",
	Help: "Single-stage predictions by stage, strategy and result (run, skip, fail_open).",
}, []string{"stage", "strategy", "result"})

// Stats are in-process prediction counters.
type Stats struct {
	Considered     int64
	PredictedTrue  int64
	PredictedFalse int64
	FailOpen       int64
}

// Predictor computes single-stage decisions.
type Predictor struct {
	table     *StageTable
	registry  *model.Registry
	strategy  Strategy
	threshold float64
	logger    *slog.Logger

	considered     atomic.Int64
	predictedTrue  atomic.Int64
	predictedFalse atomic.Int64
	failOpen       atomic.Int64
}

// PredictorOption configures a Predictor.
type PredictorOption func(*Predictor)

// WithStrategy selects the strategy. Batch is answered per stage by model.
func WithStrategy(s Strategy) PredictorOption {
	return func(p *Predictor) {
		p.strategy = s
	}
}

// WithThreshold sets the global decision threshold.
func WithThreshold(t float64) PredictorOption {
	return func(p *Predictor) {
		if t > 0 {
			p.threshold = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PredictorOption {
	return func(p *Predictor) {
		p.logger = l
	}
}

// NewPredictor creates a predictor over table. registry may be nil for the
// heuristic strategy.
func NewPredictor(table *StageTable, registry *model.Registry, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		table:     table,
		registry:  registry,
		strategy:  StrategyHeuristic,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Table returns the stage table.
func (p *Predictor) Table() *StageTable {
	return p.table
}

// Strategy returns the configured strategy.
func (p *Predictor) Strategy() Strategy {
	return p.strategy
}

// Predict decides one stage. The returned Decision is always usable; a
// non-nil error is a configuration problem the caller should surface, and
// the accompanying decision fails open.
func (p *Predictor) Predict(ctx context.Context, stage string, v features.Vector) (Decision, error) {
	d, err := p.predict(ctx, stage, v)
	p.record(d)
	return d, err
}

// PredictAll decides every stage of the table from one vector.
func (p *Predictor) PredictAll(ctx context.Context, v features.Vector) ([]Decision, error) {
	stages := p.table.Stages()
	out := make([]Decision, len(stages))
	var errs []error
	for i, stage := range stages {
		d, err := p.Predict(ctx, stage, v)
		if err != nil {
			errs = append(errs, err)
		}
		out[i] = d
	}
	return out, errors.Join(errs...)
}

func (p *Predictor) predict(ctx context.Context, stage string, v features.Vector) (Decision, error) {
	desc, ok := p.table.Lookup(stage)
	if !ok {
		return failOpen(stage, p.strategy, "stage not in table"), nil
	}
	if v.Empty() {
		return failOpen(stage, p.strategy, "no feature vector"), nil
	}

	switch p.strategy {
	case StrategyModel, StrategyBatch:
		if !desc.Model {
			return failOpen(stage, p.strategy, "no model for stage"), nil
		}
		return p.predictModel(ctx, desc, v)
	default:
		h, ok := heuristics[desc.Heuristic]
		if !ok {
			return failOpen(stage, p.strategy, "no heuristic for stage"), nil
		}
		threshold := p.thresholdFor(desc, nil)
		score := h.Score(v)
		return Decision{
			Stage:    stage,
			Run:      score > threshold,
			Score:    score,
			Strategy: StrategyHeuristic,
			Reasons:  []string{fmt.Sprintf("heuristic=%s threshold=%.2f", h.Name, threshold)},
		}, nil
	}
}

func (p *Predictor) predictModel(ctx context.Context, desc Descriptor, v features.Vector) (Decision, error) {
	if p.registry == nil {
		return failOpen(desc.Stage, p.strategy, "no model registry"), nil
	}
	runner, err := p.registry.Get(ctx, model.StageKey(desc.Stage), v.Len())
	if err != nil {
		return failOpen(desc.Stage, p.strategy, "model unavailable"), fmt.Errorf("stage %s: %w", desc.Stage, err)
	}
	if runner == nil {
		return failOpen(desc.Stage, p.strategy, "model not registered"), nil
	}

	out, err := runner.Evaluate(v.AppendFloat64s(make([]float64, 0, v.Len())))
	if err != nil {
		return failOpen(desc.Stage, p.strategy, "model run failed"), fmt.Errorf("stage %s: %w", desc.Stage, err)
	}
	if len(out) == 0 {
		return failOpen(desc.Stage, p.strategy, "model has no outputs"), nil
	}

	threshold := p.thresholdFor(desc, runner)
	return Decision{
		Stage:    desc.Stage,
		Run:      out[0] > threshold,
		Score:    out[0],
		Strategy: StrategyModel,
		Reasons:  []string{fmt.Sprintf("model=%s threshold=%.2f", runner.Model().Name(), threshold)},
	}, nil
}

// thresholdFor prefers the stage override, then the model's own threshold.
func (p *Predictor) thresholdFor(desc Descriptor, runner *model.Runner) float64 {
	if desc.Threshold > 0 {
		return desc.Threshold
	}
	if runner != nil {
		if t, ok := runner.Threshold(); ok {
			return t
		}
	}
	return p.threshold
}

func (p *Predictor) record(d Decision) {
	p.considered.Add(1)
	result := "skip"
	switch {
	case d.FailOpen:
		p.failOpen.Add(1)
		p.predictedTrue.Add(1)
		result = "fail_open"
	case d.Run:
		p.predictedTrue.Add(1)
		result = "run"
	default:
		p.predictedFalse.Add(1)
	}
	predictionsTotal.WithLabelValues(d.Stage, string(d.Strategy), result).Inc()
	if d.FailOpen {
		p.logger.Debug("prediction failed open", "stage", d.Stage, "reasons", d.Reasons)
	}
}

// Stats returns a snapshot of the counters.
func (p *Predictor) Stats() Stats {
	return Stats{
		Considered:     p.considered.Load(),
		PredictedTrue:  p.predictedTrue.Load(),
		PredictedFalse: p.predictedFalse.Load(),
		FailOpen:       p.failOpen.Load(),
	}
}
