package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/zen-systems/stagegate/pkg/features"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("model registry closed")

var tracer = otel.Tracer("stagegate.model")

var modelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagegate_model_loads_total",
	Help: "Model loads by result (loaded, missing, error).",
}, []string{"result"})

// Registry lazily loads and memoizes exactly one model per key. Missing
// models are memoized too, so a key with no model is looked up once.
type Registry struct {
	source Source
	logger *slog.Logger

	mu     sync.Mutex
	models map[Key]*Runner
	closed bool
	flight singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a registry over source. A nil source has no models.
func NewRegistry(source Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		source: source,
		logger: slog.Default(),
		models: make(map[Key]*Runner),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the runner for key, or nil if no model is registered. When
// wantInputs is positive the model's input arity must match it exactly.
func (r *Registry) Get(ctx context.Context, key Key, wantInputs int) (*Runner, error) {
	runner, err := r.lookup(ctx, key)
	if err != nil || runner == nil {
		return nil, err
	}
	if wantInputs > 0 && runner.Inputs() != wantInputs {
		return nil, &features.ArityError{
			Schema:  runner.Model().Name(),
			Want:    wantInputs,
			Got:     runner.Inputs(),
			Context: "model " + key.String(),
		}
	}
	return runner, nil
}

func (r *Registry) lookup(ctx context.Context, key Key) (*Runner, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if runner, ok := r.models[key]; ok {
		r.mu.Unlock()
		return runner, nil
	}
	r.mu.Unlock()

	if r.source == nil {
		return nil, nil
	}

	v, err, _ := r.flight.Do(key.String(), func() (any, error) {
		r.mu.Lock()
		if runner, ok := r.models[key]; ok {
			r.mu.Unlock()
			return runner, nil
		}
		r.mu.Unlock()

		runner, err := r.load(ctx, key)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, ErrClosed
		}
		r.models[key] = runner
		return runner, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Runner), nil
}

func (r *Registry) load(ctx context.Context, key Key) (*Runner, error) {
	ctx, span := tracer.Start(ctx, "model.load")
	defer span.End()
	span.SetAttributes(attribute.String("model.key", key.String()))

	m, err := r.source.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		modelLoads.WithLabelValues("missing").Inc()
		span.SetAttributes(attribute.Bool("model.found", false))
		r.logger.Debug("no model registered", "key", key.String())
		return nil, nil
	case err != nil:
		modelLoads.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	modelLoads.WithLabelValues("loaded").Inc()
	span.SetAttributes(
		attribute.Bool("model.found", true),
		attribute.Int("model.inputs", m.Inputs()),
		attribute.Int("model.outputs", m.Outputs()),
	)
	r.logger.Debug("model loaded", "key", key.String(), "name", m.Name(), "inputs", m.Inputs(), "outputs", m.Outputs())
	return NewRunner(m), nil
}

// Len is the number of memoized keys, including known-missing ones.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.models)
}

// Close drops all memoized models and closes those that hold resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for key, runner := range r.models {
		if runner != nil {
			if c, ok := runner.Model().(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		delete(r.models, key)
	}
	return errors.Join(errs...)
}
