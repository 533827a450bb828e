// Package engine decides, for each (unit, stage) pair of a pipeline run,
// whether the stage should run. It never returns an error from the decision
// path: anything that goes wrong resolves to "run", so a failing engine is
// indistinguishable from a disabled one.
//
// Skipping a stage must be semantically safe in the enclosing pipeline; the
// engine only trades missed transformations against wasted runs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zen-systems/stagegate/pkg/batch"
	"github.com/zen-systems/stagegate/pkg/cache"
	"github.com/zen-systems/stagegate/pkg/dataset"
	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/ir"
	"github.com/zen-systems/stagegate/pkg/model"
	"github.com/zen-systems/stagegate/pkg/predict"
	"github.com/zen-systems/stagegate/pkg/profile"
)

var (
	profilerInvocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagegate_profiler_invocations_total",
		Help: "Feature vectors computed.",
	})
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_decisions_total",
		Help: "ShouldRun answers by source (trivial, batch, cache, predict, fail_open) and result.",
	}, []string{"source", "result"})
)

// Unit is a work unit as seen by the engine.
type Unit = ir.Unit

// Profiler computes the feature vector of a unit.
type Profiler interface {
	Profile(u Unit) (features.Vector, error)
}

// ProfilerFunc adapts a function to Profiler.
type ProfilerFunc func(u Unit) (features.Vector, error)

func (f ProfilerFunc) Profile(u Unit) (features.Vector, error) { return f(u) }

// Config holds engine tuning. New replaces a MinUnitSize or Threshold that
// is not positive with its default; the batch fields fall back to them.
type Config struct {
	Strategy    predict.Strategy
	ReuseBudget int
	MinUnitSize int
	Threshold   float64
	Batch       batch.Config
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:    predict.StrategyHeuristic,
		ReuseBudget: cache.DefaultBudget,
		MinUnitSize: 5,
		Threshold:   predict.DefaultThreshold,
		Batch:       batch.DefaultConfig(),
	}
}

// Stats are in-process engine counters.
type Stats struct {
	ProfilerInvocations int64 `json:"profiler_invocations"`
	Predictions         int64 `json:"predictions"`
	Reuses              int64 `json:"reuses"`
	FailOpens           int64 `json:"fail_opens"`
	Trivial             int64 `json:"trivial"`
	Checkpoints         int64 `json:"checkpoints"`
}

type sessionEntry struct {
	session   *batch.Session
	refreshed map[int]bool
	features  features.Vector
}

// Engine is the decision orchestrator. It owns the reuse cache, batch
// sessions and, via Close, the model registry and dataset writer.
type Engine struct {
	cfg       Config
	profiler  Profiler
	predictor *predict.Predictor
	batch     *batch.Predictor
	cache     *cache.ReuseCache
	registry  *model.Registry
	dump      *dataset.Writer
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	lengths  map[string]int

	profiles  atomic.Int64
	reuses    atomic.Int64
	failOpens atomic.Int64
	trivial   atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithProfiler replaces the default full-schema profiler.
func WithProfiler(p Profiler) Option {
	return func(e *Engine) {
		e.profiler = p
	}
}

// WithDataset enables the training dataset dump.
func WithDataset(w *dataset.Writer) Option {
	return func(e *Engine) {
		e.dump = w
	}
}

// New creates an engine. registry may be nil when only heuristics are used.
func New(cfg Config, table *predict.StageTable, registry *model.Registry, opts ...Option) (*Engine, error) {
	if table == nil {
		return nil, fmt.Errorf("stage table is required")
	}
	switch cfg.Strategy {
	case predict.StrategyHeuristic, predict.StrategyModel, predict.StrategyBatch:
	case "":
		cfg.Strategy = predict.StrategyHeuristic
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if cfg.MinUnitSize <= 0 {
		cfg.MinUnitSize = DefaultConfig().MinUnitSize
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = predict.DefaultThreshold
	}
	if cfg.Batch.MinUnitSize <= 0 {
		cfg.Batch.MinUnitSize = cfg.MinUnitSize
	}
	if cfg.Batch.Threshold <= 0 {
		cfg.Batch.Threshold = cfg.Threshold
	}

	e := &Engine{
		cfg:      cfg,
		profiler: profile.New(features.Full),
		cache:    cache.New(cfg.ReuseBudget),
		registry: registry,
		logger:   slog.Default(),
		sessions: make(map[string]*sessionEntry),
		lengths:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.predictor = predict.NewPredictor(table, registry,
		predict.WithStrategy(cfg.Strategy),
		predict.WithThreshold(cfg.Threshold),
		predict.WithLogger(e.logger),
	)
	e.batch = batch.New(cfg.Batch, registry, batch.WithLogger(e.logger))
	return e, nil
}

// Begin reports the pipeline length for u at the start of a run. Under the
// batch strategy it seeds a batch session and reports whether one was
// created.
func (e *Engine) Begin(ctx context.Context, u Unit, length int, family string) (started bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("begin panicked; running unit without batch session", "panic", r)
			started = false
		}
	}()
	if u == nil {
		return false
	}
	key := u.Key()

	e.mu.Lock()
	e.lengths[key] = length
	delete(e.sessions, key)
	e.mu.Unlock()

	if e.cfg.Strategy != predict.StrategyBatch {
		return false
	}
	s, ok := e.batch.Initialize(length, u, family)
	if !ok {
		return false
	}

	entry := &sessionEntry{session: s, refreshed: make(map[int]bool)}
	if s.State() != batch.Degraded {
		if v, err := e.profile(u); err == nil {
			entry.features = v
		} else {
			e.logger.Debug("seed profile failed", "unit", key, "error", err)
		}
	}

	e.mu.Lock()
	e.sessions[key] = entry
	e.mu.Unlock()

	e.logger.Debug("batch session started", "unit", key, "length", length, "family", s.Family(), "state", s.State().String())
	return true
}

// ShouldRun decides whether stage should run on u at position pos.
func (e *Engine) ShouldRun(ctx context.Context, u Unit, stage string, pos int) (run bool) {
	defer func() {
		if r := recover(); r != nil {
			e.failOpens.Add(1)
			decisionsTotal.WithLabelValues("fail_open", "run").Inc()
			e.logger.Error("decision panicked; running stage", "stage", stage, "position", pos, "panic", r)
			run = true
		}
	}()
	if u == nil {
		return true
	}
	if u.Size() < e.cfg.MinUnitSize {
		e.trivial.Add(1)
		decisionsTotal.WithLabelValues("trivial", "run").Inc()
		return true
	}
	key := u.Key()

	if entry := e.session(key); entry != nil {
		run = e.batchDecision(ctx, u, entry, pos)
		decisionsTotal.WithLabelValues("batch", result(run)).Inc()
		return run
	}
	if e.cfg.Strategy == predict.StrategyBatch {
		decisionsTotal.WithLabelValues("batch", "run").Inc()
		return true
	}

	desc, ok := e.predictor.Table().Lookup(stage)
	if !ok {
		return e.failOpen("unknown stage", "stage", stage)
	}

	if d, ok := e.cache.Reuse(key, stage); ok {
		e.reuses.Add(1)
		decisionsTotal.WithLabelValues("cache", result(d.Run)).Inc()
		return d.Run
	}

	v, err := e.profile(u)
	if err != nil {
		return e.failOpen("profile failed", "unit", key, "error", err)
	}
	decisions, err := e.predictor.PredictAll(ctx, v)
	if err != nil {
		e.logger.Warn("prediction configuration error", "unit", key, "error", err)
	}
	e.cache.Store(key, cache.Record{
		Decisions:      decisions,
		Stages:         e.predictor.Table().Stages(),
		PipelineLength: e.length(key),
		LastFeature:    v,
	})

	d := decisions[desc.Index]
	if d.FailOpen {
		e.failOpens.Add(1)
	}
	decisionsTotal.WithLabelValues("predict", result(d.Run)).Inc()
	return d.Run
}

func (e *Engine) batchDecision(ctx context.Context, u Unit, entry *sessionEntry, pos int) bool {
	s := entry.session
	switch {
	case pos >= s.Length():
		_ = e.batch.UpdateAtCheckpoint(ctx, s, pos, features.Vector{}, nil)
	case e.batch.IsCheckpoint(pos, s.Length()) && !entry.refreshed[pos] && s.State() != batch.Degraded:
		entry.refreshed[pos] = true
		v, err := e.profile(u)
		if err != nil {
			e.failOpens.Add(1)
			e.logger.Debug("checkpoint profile failed", "unit", u.Key(), "position", pos, "error", err)
			break
		}
		entry.features = v
		if err := e.batch.UpdateAtCheckpoint(ctx, s, pos, v, s.History(pos)); err != nil {
			e.failOpens.Add(1)
			e.logger.Warn("checkpoint inference failed", "unit", u.Key(), "position", pos, "error", err)
		}
	}
	return s.Decision(pos)
}

// RecordOutcome reports whether stage changed u. Skipped stages should be
// reported as unchanged.
func (e *Engine) RecordOutcome(ctx context.Context, u Unit, stage string, pos int, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("record outcome panicked", "stage", stage, "position", pos, "panic", r)
		}
	}()
	if u == nil {
		return
	}
	key := u.Key()

	var v features.Vector
	if entry := e.session(key); entry != nil {
		entry.session.Record(pos, changed)
		v = entry.features
	} else {
		if changed {
			e.cache.Touch(key)
		}
		if r := e.cache.Get(key); r != nil {
			v = r.LastFeature
		}
	}

	if e.dump != nil && !v.Empty() {
		e.dump.Submit(dataset.Record{
			IRName:   key,
			Input:    dataset.Input{Feature: v.Map(), Pass: stage, Position: pos},
			Modified: changed,
		})
	}
}

// Reset drops all state held for u. Call it when a unit is cloned, merged
// or destroyed.
func (e *Engine) Reset(u Unit) {
	if u == nil {
		return
	}
	key := u.Key()
	e.mu.Lock()
	delete(e.sessions, key)
	delete(e.lengths, key)
	e.mu.Unlock()
	e.cache.Invalidate(key)
}

// Session returns the batch session of u, if any.
func (e *Engine) Session(u Unit) (*batch.Session, bool) {
	entry := e.session(u.Key())
	if entry == nil {
		return nil, false
	}
	return entry.session, true
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ProfilerInvocations: e.profiles.Load(),
		Predictions:         e.predictor.Stats().Considered,
		Reuses:              e.reuses.Load(),
		FailOpens:           e.failOpens.Load(),
		Trivial:             e.trivial.Load(),
		Checkpoints:         e.batch.Checkpoints(),
	}
}

// Predictor returns the single-stage predictor.
func (e *Engine) Predictor() *predict.Predictor {
	return e.predictor
}

// Close tears down the registry and the dataset writer.
func (e *Engine) Close() error {
	var firstErr error
	if e.registry != nil {
		firstErr = e.registry.Close()
	}
	if e.dump != nil {
		if err := e.dump.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) profile(u Unit) (features.Vector, error) {
	e.profiles.Add(1)
	profilerInvocations.Inc()
	return e.profiler.Profile(u)
}

func (e *Engine) session(key string) *sessionEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[key]
}

func (e *Engine) length(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lengths[key]
}

func (e *Engine) failOpen(msg string, args ...any) bool {
	e.failOpens.Add(1)
	decisionsTotal.WithLabelValues("fail_open", "run").Inc()
	e.logger.Debug(msg, args...)
	return true
}

func result(run bool) string {
	if run {
		return "run"
	}
	return "skip"
}
