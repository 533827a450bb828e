// Package batch forecasts a whole window of stage decisions from one model
// inference. Decisions start as "run everything" and are refined at periodic
// checkpoints from a fresh feature vector plus the outcomes observed since
// the previous checkpoint.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/ir"
	"github.com/zen-systems/stagegate/pkg/model"
)

var tracer = otel.Tracer("stagegate.batch")

var checkpointInferences = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagegate_checkpoint_inferences_total",
	Help: "Checkpoint inferences by family and result (applied, missing, error).",
}, []string{"family", "result"})

// Config tunes batch activation and checkpointing. Numeric fields that are
// not positive take their DefaultConfig values.
type Config struct {
	// Interval is the distance between checkpoints; it is also the number of
	// decisions one inference writes.
	Interval int
	// MinPipelineLength and MinUnitSize gate activation.
	MinPipelineLength int
	MinUnitSize       int
	Threshold         float64
	// Window is the number of prior outcomes fed back to the model.
	Window int
	// Families maps a pipeline length to its family name.
	Families map[int]string
	// PassThrough lists per family the positions that copy the preceding
	// actual outcome. DefaultPassThrough applies to unlisted families.
	PassThrough        map[string][]int
	DefaultPassThrough []int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           6,
		MinPipelineLength:  30,
		MinUnitSize:        5,
		Threshold:          0.5,
		Window:             6,
		Families:           map[int]string{31: "O3"},
		DefaultPassThrough: []int{5, 14, 16, 26, 29},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinPipelineLength <= 0 {
		c.MinPipelineLength = d.MinPipelineLength
	}
	if c.MinUnitSize <= 0 {
		c.MinUnitSize = d.MinUnitSize
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.DefaultPassThrough == nil {
		c.DefaultPassThrough = d.DefaultPassThrough
	}
}

// Predictor owns checkpoint inference.
type Predictor struct {
	cfg      Config
	registry *model.Registry
	logger   *slog.Logger

	checkpoints atomic.Int64
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Predictor) {
		p.logger = l
	}
}

// New creates a batch predictor. Zero config fields take defaults.
func New(cfg Config, registry *model.Registry, opts ...Option) *Predictor {
	cfg.applyDefaults()
	p := &Predictor{cfg: cfg, registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Predictor) Config() Config {
	return p.cfg
}

// Checkpoints is the number of applied checkpoint inferences.
func (p *Predictor) Checkpoints() int64 {
	return p.checkpoints.Load()
}

// ResolveFamily returns family if set, else the family configured for length.
func (p *Predictor) ResolveFamily(length int, family string) string {
	if family != "" {
		return family
	}
	return p.cfg.Families[length]
}

// Active reports whether a pipeline of length over u qualifies for batch mode.
func (p *Predictor) Active(length int, u ir.Unit) bool {
	return length >= p.cfg.MinPipelineLength && u.Size() >= p.cfg.MinUnitSize
}

// Initialize seeds a session with every decision set to run. It returns
// false when the pipeline is too short or the unit too small, in which case
// the caller runs every stage normally.
func (p *Predictor) Initialize(length int, u ir.Unit, family string) (*Session, bool) {
	if !p.Active(length, u) {
		return nil, false
	}
	family = p.ResolveFamily(length, family)
	passThrough, ok := p.cfg.PassThrough[family]
	if !ok {
		passThrough = p.cfg.DefaultPassThrough
	}
	s := newSession(u.Key(), length, family, passThrough)
	if s.State() == Degraded {
		p.logger.Debug("batch session degraded: no family for pipeline length", "unit", u.Key(), "length", length)
	}
	return s, true
}

// IsCheckpoint reports whether index refreshes the forecast of a pipeline
// of the given length.
func (p *Predictor) IsCheckpoint(index, length int) bool {
	return index > 0 && index%p.cfg.Interval == 0 && index < length
}

// UpdateAtCheckpoint refines decisions[index, index+Interval) from a fresh
// feature vector and the prior actual outcomes (forward chronological
// order). Non-checkpoint positions are ignored. A missing model leaves the
// decisions as they were; an arity mismatch is returned.
func (p *Predictor) UpdateAtCheckpoint(ctx context.Context, s *Session, index int, v features.Vector, prior []bool) error {
	if s == nil || s.state == Degraded {
		return nil
	}
	if index >= s.length {
		s.state = Exhausted
		return nil
	}
	if !p.IsCheckpoint(index, s.length) {
		return nil
	}

	ctx, span := tracer.Start(ctx, "batch.checkpoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("unit", s.key),
		attribute.String("family", s.family),
		attribute.Int("index", index),
	)

	if p.registry == nil {
		checkpointInferences.WithLabelValues(s.family, "missing").Inc()
		return nil
	}
	key := model.CheckpointKey(index, s.family)
	runner, err := p.registry.Get(ctx, key, v.Len()+p.cfg.Window)
	if err != nil {
		checkpointInferences.WithLabelValues(s.family, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}
	if runner == nil {
		checkpointInferences.WithLabelValues(s.family, "missing").Inc()
		p.logger.Debug("no checkpoint model", "key", key.String())
		return nil
	}
	if runner.Outputs() != p.cfg.Interval {
		checkpointInferences.WithLabelValues(s.family, "error").Inc()
		return &features.ArityError{
			Schema:  runner.Model().Name(),
			Want:    p.cfg.Interval,
			Got:     runner.Outputs(),
			Context: "checkpoint " + key.String() + " outputs",
		}
	}

	input := v.AppendFloat64s(make([]float64, 0, v.Len()+p.cfg.Window))
	input = append(input, Window(prior, p.cfg.Window)...)
	out, err := runner.Evaluate(input)
	if err != nil {
		checkpointInferences.WithLabelValues(s.family, "error").Inc()
		span.RecordError(err)
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}

	last := true
	if len(prior) > 0 {
		last = prior[len(prior)-1]
	}
	for j := 0; j < p.cfg.Interval && index+j < s.length; j++ {
		pos := index + j
		s.forecast[pos] = true
		if s.passThrough[pos] {
			s.decisions[pos] = last
			continue
		}
		s.decisions[pos] = out[j] > p.cfg.Threshold
	}
	s.state = Forecasting
	s.checkpoints++
	p.checkpoints.Add(1)
	checkpointInferences.WithLabelValues(s.family, "applied").Inc()
	return nil
}

// Window returns the last n outcomes as model inputs in forward order,
// padded at the front with "changed" when fewer are known.
func Window(prior []bool, n int) []float64 {
	out := make([]float64, n)
	start := len(prior) - n
	for i := 0; i < n; i++ {
		j := start + i
		if j < 0 || prior[j] {
			out[i] = 1
		}
	}
	return out
}
