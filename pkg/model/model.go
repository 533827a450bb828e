// Package model holds numeric models and the registry that loads them.
package model

import (
	"fmt"
	"math"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/features"
)

// Model is a fixed-arity numeric function. Run must not retain in or out.
type Model interface {
	Name() string
	Inputs() int
	Outputs() int
	Run(in, out []float64) error
}

// Thresholder is implemented by models that carry their own decision threshold.
type Thresholder interface {
	Threshold() (float64, bool)
}

// File is the on-disk model format.
type File struct {
	Name      string      `yaml:"name"`
	Schema    string      `yaml:"schema,omitempty"`
	Inputs    int         `yaml:"inputs"`
	Outputs   int         `yaml:"outputs"`
	Kind      string      `yaml:"kind"`
	Weights   [][]float64 `yaml:"weights"`
	Bias      []float64   `yaml:"bias"`
	Threshold *float64    `yaml:"threshold,omitempty"`
}

// Logistic applies an independent sigmoid per output.
type Logistic struct {
	name      string
	inputs    int
	weights   [][]float64
	bias      []float64
	threshold *float64
}

// NewLogistic builds a logistic model with len(bias) outputs.
func NewLogistic(name string, weights [][]float64, bias []float64) (*Logistic, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("model %s: no outputs", name)
	}
	if len(weights) != len(bias) {
		return nil, fmt.Errorf("model %s: %d weight rows but %d biases", name, len(weights), len(bias))
	}
	inputs := len(weights[0])
	for i, row := range weights {
		if len(row) != inputs {
			return nil, fmt.Errorf("model %s: weight row %d has %d inputs, want %d", name, i, len(row), inputs)
		}
	}
	return &Logistic{name: name, inputs: inputs, weights: weights, bias: bias}, nil
}

func (m *Logistic) Name() string { return m.name }
func (m *Logistic) Inputs() int  { return m.inputs }
func (m *Logistic) Outputs() int { return len(m.bias) }

// Threshold returns the per-model threshold, if the file set one.
func (m *Logistic) Threshold() (float64, bool) {
	if m.threshold == nil {
		return 0, false
	}
	return *m.threshold, true
}

func (m *Logistic) Run(in, out []float64) error {
	if len(in) != m.inputs {
		return &features.ArityError{Schema: m.name, Want: m.inputs, Got: len(in), Context: "model input"}
	}
	if len(out) != len(m.bias) {
		return &features.ArityError{Schema: m.name, Want: len(m.bias), Got: len(out), Context: "model output"}
	}
	for o, row := range m.weights {
		z := m.bias[o]
		for i, w := range row {
			z += w * in[i]
		}
		out[o] = Sigmoid(z)
	}
	return nil
}

// Sigmoid is the logistic function.
func Sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Parse decodes a model file.
func Parse(data []byte) (Model, *File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	if f.Name == "" {
		return nil, nil, fmt.Errorf("model name is required")
	}

	switch f.Kind {
	case "", "logistic":
	default:
		return nil, nil, fmt.Errorf("model %s: unsupported kind %q", f.Name, f.Kind)
	}

	m, err := NewLogistic(f.Name, f.Weights, f.Bias)
	if err != nil {
		return nil, nil, err
	}
	if f.Inputs != 0 && f.Inputs != m.Inputs() {
		return nil, nil, &features.ArityError{Schema: f.Name, Want: f.Inputs, Got: m.Inputs(), Context: "model weights"}
	}
	if f.Outputs != 0 && f.Outputs != m.Outputs() {
		return nil, nil, &features.ArityError{Schema: f.Name, Want: f.Outputs, Got: m.Outputs(), Context: "model bias"}
	}
	if f.Schema != "" {
		if _, err := features.Lookup(f.Schema); err != nil {
			return nil, nil, fmt.Errorf("model %s: %w", f.Name, err)
		}
	}
	m.threshold = f.Threshold
	return m, &f, nil
}

// LoadFile reads and parses a model file.
func LoadFile(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, _, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	return m, nil
}

// Runner serializes use of a model and owns its input/output buffers so two
// concurrent predictions never share them.
type Runner struct {
	mu    sync.Mutex
	model Model
	in    []float64
	out   []float64
}

// NewRunner wraps m.
func NewRunner(m Model) *Runner {
	return &Runner{
		model: m,
		in:    make([]float64, m.Inputs()),
		out:   make([]float64, m.Outputs()),
	}
}

// Model returns the wrapped model.
func (r *Runner) Model() Model { return r.model }

// Inputs is the model input arity.
func (r *Runner) Inputs() int { return r.model.Inputs() }

// Outputs is the model output arity.
func (r *Runner) Outputs() int { return r.model.Outputs() }

// Threshold returns the model's own threshold, if any.
func (r *Runner) Threshold() (float64, bool) {
	if t, ok := r.model.(Thresholder); ok {
		return t.Threshold()
	}
	return 0, false
}

// Evaluate populates every input, runs the model and returns a copy of the
// outputs.
func (r *Runner) Evaluate(input []float64) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(input) != len(r.in) {
		return nil, &features.ArityError{Schema: r.model.Name(), Want: len(r.in), Got: len(input), Context: "model input"}
	}
	copy(r.in, input)
	if err := r.model.Run(r.in, r.out); err != nil {
		return nil, fmt.Errorf("run model %s: %w", r.model.Name(), err)
	}
	return append([]float64(nil), r.out...), nil
}
