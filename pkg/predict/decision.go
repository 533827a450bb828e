package predict

import (
	"fmt"
	"strings"
)

// Strategy selects how a stage decision is computed.
type Strategy string

const (
	StrategyHeuristic Strategy = "heuristic"
	StrategyModel     Strategy = "model"
	StrategyBatch     Strategy = "batch"
)

// ParseStrategy accepts the configuration spellings of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "heuristic", "logistic":
		return StrategyHeuristic, nil
	case "model", "per-stage-model", "stage":
		return StrategyModel, nil
	case "batch", "batch-model":
		return StrategyBatch, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Decision captures a single stage decision.
type Decision struct {
	Stage    string   `json:"stage"`
	Run      bool     `json:"run"`
	Score    float64  `json:"score"`
	Strategy Strategy `json:"strategy"`
	FailOpen bool     `json:"fail_open,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

func failOpen(stage string, strategy Strategy, reason string) Decision {
	return Decision{
		Stage:    stage,
		Run:      true,
		Score:    1,
		Strategy: strategy,
		FailOpen: true,
		Reasons:  []string{reason},
	}
}
