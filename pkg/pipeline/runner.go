package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/evidence"
	"github.com/zen-systems/stagegate/pkg/ir"
)

var tracer = otel.Tracer("stagegate.pipeline")

var (
	unitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stagegate_pipeline_unit_seconds",
		Help:    "Wall time to drive one unit through the pipeline.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	stagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagegate_pipeline_stages_total",
		Help: "Stage positions by outcome.",
	}, []string{"outcome"})
)

// Decider chooses whether each stage runs. *engine.Engine implements it.
type Decider interface {
	Begin(ctx context.Context, u ir.Unit, length int, family string) bool
	ShouldRun(ctx context.Context, u ir.Unit, stage string, pos int) bool
	RecordOutcome(ctx context.Context, u ir.Unit, stage string, pos int, changed bool)
	Reset(u ir.Unit)
}

// Lookahead is implemented by oracles that can tell what a stage would have
// done without applying it. It lets the runner count missed transformations.
type Lookahead interface {
	WouldChange(unit, stage string, pos int) bool
}

// RunOptions configures pipeline execution.
type RunOptions struct {
	// Workers bounds how many units are processed at once; zero means
	// GOMAXPROCS.
	Workers      int
	EvidenceDir  string
	PipelinePath string
	Strategy     string
	Logger       *slog.Logger
}

// RunResult captures pipeline outputs.
type RunResult struct {
	RunID       string
	EvidenceDir string
	Units       []*UnitResult
	Cost        evidence.CostReport
	Duration    time.Duration
}

// UnitResult captures what happened to one unit.
type UnitResult struct {
	Unit     string
	Batch    bool
	Steps    []evidence.StepRecord
	Cost     evidence.CostReport
	Duration time.Duration
}

// Run drives every unit through the pipeline, asking d before each stage
// and applying executed stages through o. Units are independent and run
// concurrently; stages of one unit run in order.
func Run(ctx context.Context, p *Pipeline, d Decider, o Oracle, units []ir.Unit, opts RunOptions) (*RunResult, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if d == nil || o == nil {
		return nil, fmt.Errorf("decider and oracle are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	runID := newRunID()
	var writer *evidence.Writer
	if opts.EvidenceDir != "" {
		var err error
		if writer, err = prepareEvidenceWriter(opts.EvidenceDir, runID); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	tracker := newCostTracker()
	results := make([]*UnitResult, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			r, err := runUnit(gctx, p, d, o, u)
			if err != nil {
				return err
			}
			results[i] = r
			tracker.add(r.Cost)
			logger.Debug("unit done", "unit", r.Unit, "batch", r.Batch, "skipped", r.Cost.Skipped, "missed", r.Cost.Missed)
			if writer != nil {
				if _, err := writer.WriteUnit(unitRecord(u, r)); err != nil {
					return fmt.Errorf("write unit %s: %w", r.Unit, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &RunResult{
		RunID:    runID,
		Units:    results,
		Cost:     tracker.report(),
		Duration: time.Since(start),
	}
	if writer != nil {
		if err := writeRunRecord(writer, p, opts, workers, result); err != nil {
			return nil, err
		}
		result.EvidenceDir = writer.RunDir()
	}
	logger.Info("pipeline run complete",
		"run", runID,
		"pipeline", p.Name,
		"units", len(units),
		"executed", result.Cost.Executed,
		"skipped", result.Cost.Skipped,
		"missed", result.Cost.Missed,
	)
	return result, nil
}

func runUnit(ctx context.Context, p *Pipeline, d Decider, o Oracle, u ir.Unit) (*UnitResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.unit", trace.WithAttributes(
		attribute.String("unit", u.Key()),
		attribute.Int("size", u.Size()),
		attribute.Int("length", p.Length()),
	))
	defer span.End()

	start := time.Now()
	defer func() { unitSeconds.Observe(time.Since(start).Seconds()) }()
	defer d.Reset(u)

	look, _ := o.(Lookahead)
	r := &UnitResult{
		Unit:  u.Key(),
		Batch: d.Begin(ctx, u, p.Length(), p.Family),
		Steps: make([]evidence.StepRecord, 0, p.Length()),
	}

	for pos, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := evidence.StepRecord{Position: pos, Stage: stage.Name}
		wouldChange := false
		if d.ShouldRun(ctx, u, stage.Name, pos) {
			changed, err := o.Apply(ctx, u, stage.Name, pos)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "apply failed")
				return nil, fmt.Errorf("unit %s: stage %s at %d: %w", u.Key(), stage.Name, pos, err)
			}
			rec.Ran, rec.Changed = true, changed
			wouldChange = changed
			if changed {
				stagesTotal.WithLabelValues("changed").Inc()
			} else {
				stagesTotal.WithLabelValues("wasted").Inc()
			}
		} else {
			if look != nil {
				wouldChange = look.WouldChange(u.Key(), stage.Name, pos)
			}
			rec.Missed = wouldChange
			if wouldChange {
				stagesTotal.WithLabelValues("missed").Inc()
			} else {
				stagesTotal.WithLabelValues("skipped").Inc()
			}
		}
		// A skipped stage leaves the unit as it was.
		d.RecordOutcome(ctx, u, stage.Name, pos, rec.Changed)
		step(&r.Cost, stage, rec.Ran, wouldChange)
		r.Steps = append(r.Steps, rec)
	}

	r.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("skipped", r.Cost.Skipped))
	return r, nil
}

func unitRecord(u ir.Unit, r *UnitResult) evidence.UnitRecord {
	return evidence.UnitRecord{
		Unit:           r.Unit,
		Size:           u.Size(),
		Batch:          r.Batch,
		Steps:          r.Steps,
		Cost:           r.Cost,
		DurationMillis: r.Duration.Milliseconds(),
	}
}

func writeRunRecord(w *evidence.Writer, p *Pipeline, opts RunOptions, workers int, r *RunResult) error {
	record := evidence.RunRecord{
		ID:             r.RunID,
		Timestamp:      time.Now().UTC(),
		PipelineFile:   opts.PipelinePath,
		Pipeline:       p.Name,
		Family:         p.Family,
		Strategy:       opts.Strategy,
		Length:         p.Length(),
		Units:          len(r.Units),
		Workers:        workers,
		Cost:           r.Cost,
		DurationMillis: r.Duration.Milliseconds(),
		ToolVersions:   map[string]string{"go": runtime.Version()},
	}
	if data, err := yaml.Marshal(p); err == nil {
		ref, sha, err := w.WriteBlob("pipeline", data)
		if err != nil {
			return err
		}
		record.PipelineBlob, record.PipelineSHA256 = ref, sha
	}
	return w.WriteRun(record)
}

func prepareEvidenceWriter(baseDir, runID string) (*evidence.Writer, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return evidence.NewWriter(filepath.Clean(baseDir), runID)
}

func newRunID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}
