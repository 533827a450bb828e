// Package cache holds per-unit prediction records so a unit is not
// re-profiled for every stage. A record may be served a bounded number of
// times before it is considered stale and recomputed.
package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/predict"
)

// DefaultBudget is how many times a record is served before recompute.
const DefaultBudget = 4

var reuseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagegate_cache_events_total",
	Help: "Reuse cache events (reuse, store, advance, invalidate).",
}, []string{"event"})

// State is the lifecycle of one unit's record.
type State int

const (
	// Empty means no record exists.
	Empty State = iota
	// Fresh means the record may be served.
	Fresh
	// Stale means the budget is spent; the next access recomputes.
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "empty"
	}
}

// Record is the cached prediction state of one unit.
type Record struct {
	Decisions      []predict.Decision
	Stages         []string
	ReuseCount     int
	PipelineLength int
	LastFeature    features.Vector
}

// Decision returns the cached decision for stage.
func (r *Record) Decision(stage string) (predict.Decision, bool) {
	for i, s := range r.Stages {
		if s == stage && i < len(r.Decisions) {
			return r.Decisions[i], true
		}
	}
	return predict.Decision{}, false
}

// ReuseCache maps unit keys to records.
type ReuseCache struct {
	budget int

	mu      sync.Mutex
	records map[string]*Record
}

// New creates a cache. A non-positive budget selects DefaultBudget.
func New(budget int) *ReuseCache {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &ReuseCache{budget: budget, records: make(map[string]*Record)}
}

// Budget returns the reuse budget.
func (c *ReuseCache) Budget() int {
	return c.budget
}

// State reports the lifecycle state of key.
func (c *ReuseCache) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(key)
}

func (c *ReuseCache) stateLocked(key string) State {
	r, ok := c.records[key]
	switch {
	case !ok:
		return Empty
	case r.ReuseCount >= c.budget:
		return Stale
	default:
		return Fresh
	}
}

// ShouldReuse reports whether key has a fresh record.
func (c *ReuseCache) ShouldReuse(key string) bool {
	return c.State(key) == Fresh
}

// Get returns a copy of the record for key, or nil.
func (c *ReuseCache) Get(key string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[key]
	if !ok {
		return nil
	}
	cp := *r
	cp.Decisions = append([]predict.Decision(nil), r.Decisions...)
	cp.Stages = append([]string(nil), r.Stages...)
	return &cp
}

// Reuse serves the cached decision for stage and spends one unit of budget.
// ok is false when the record is missing, stale or lacks the stage.
func (c *ReuseCache) Reuse(key, stage string) (predict.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked(key) != Fresh {
		return predict.Decision{}, false
	}
	r := c.records[key]
	d, ok := r.Decision(stage)
	if !ok {
		return predict.Decision{}, false
	}
	r.ReuseCount++
	reuseEvents.WithLabelValues("reuse").Inc()
	return d, true
}

// Store replaces the record for key with a fresh one.
func (c *ReuseCache) Store(key string, r Record) {
	r.ReuseCount = 0
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = &r
	reuseEvents.WithLabelValues("store").Inc()
}

// Touch advances the reuse counter without serving a decision. A unit that
// changed accrues staleness this way.
func (c *ReuseCache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[key]; ok {
		r.ReuseCount++
		reuseEvents.WithLabelValues("advance").Inc()
	}
}

// Invalidate drops the record for key.
func (c *ReuseCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[key]; ok {
		delete(c.records, key)
		reuseEvents.WithLabelValues("invalidate").Inc()
	}
}

// Len is the number of records held.
func (c *ReuseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
