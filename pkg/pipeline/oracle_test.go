package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type keyUnit string

func (u keyUnit) Key() string { return string(u) }
func (u keyUnit) Size() int   { return 50 }

func TestTruthOracle(t *testing.T) {
	data := []byte(`units:
  m::f:
    stages:
      SROA: true
      GVN: false
    positions:
      4: true
`)
	path := filepath.Join(t.TempDir(), "truth.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	truth, err := LoadTruth(path)
	if err != nil {
		t.Fatalf("load truth: %v", err)
	}

	ctx := context.Background()
	cases := []struct {
		unit  string
		stage string
		pos   int
		want  bool
	}{
		{"m::f", "SROA", 0, true},
		{"m::f", "GVN", 1, false},
		{"m::f", "GVN", 4, true},
		{"m::f", "LICM", 2, false},
		{"m::g", "SROA", 0, false},
	}
	for _, c := range cases {
		got, err := truth.Apply(ctx, keyUnit(c.unit), c.stage, c.pos)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if got != c.want {
			t.Errorf("%s %s@%d = %v, want %v", c.unit, c.stage, c.pos, got, c.want)
		}
	}
	if truth.Applied() != len(cases) {
		t.Fatalf("applied = %d", truth.Applied())
	}
	if !truth.WouldChange("m::f", "SROA", 9) || truth.Applied() != len(cases) {
		t.Fatal("WouldChange must not count as an application")
	}
}

func TestTruthOracleHonorsCancellation(t *testing.T) {
	truth, err := ParseTruth([]byte("units: {}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := truth.Apply(ctx, keyUnit("m::f"), "SROA", 0); err == nil {
		t.Fatal("expected context error")
	}
}
