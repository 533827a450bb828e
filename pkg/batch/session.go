package batch

// State is the lifecycle of a batch session.
type State int

const (
	Uninitialized State = iota
	// Seeded sessions hold the all-run decisions of Initialize.
	Seeded
	// Forecasting sessions have been refined by at least one checkpoint.
	Forecasting
	// Exhausted sessions are past the final checkpoint.
	Exhausted
	// Degraded sessions have no resolvable family and always run.
	Degraded
)

func (s State) String() string {
	switch s {
	case Seeded:
		return "seeded"
	case Forecasting:
		return "forecasting"
	case Exhausted:
		return "exhausted"
	case Degraded:
		return "degraded"
	default:
		return "uninitialized"
	}
}

// Session is the batch forecast for one unit over one pipeline run. It is
// only touched by the goroutine that owns the unit.
type Session struct {
	key         string
	length      int
	family      string
	state       State
	decisions   []bool
	outcomes    []bool
	reported    []bool
	forecast    []bool
	passThrough map[int]bool
	checkpoints int
}

func newSession(key string, length int, family string, passThrough []int) *Session {
	s := &Session{
		key:         key,
		length:      length,
		family:      family,
		state:       Seeded,
		decisions:   make([]bool, length),
		outcomes:    make([]bool, length),
		reported:    make([]bool, length),
		forecast:    make([]bool, length),
		passThrough: make(map[int]bool, len(passThrough)),
	}
	for i := range s.decisions {
		s.decisions[i] = true
	}
	for _, p := range passThrough {
		s.passThrough[p] = true
	}
	if family == "" {
		s.state = Degraded
	}
	return s
}

// Key is the unit key the session belongs to.
func (s *Session) Key() string { return s.key }

// Length is the pipeline length.
func (s *Session) Length() int { return s.length }

// Family is the resolved pipeline length family.
func (s *Session) Family() string { return s.family }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Checkpoints is the number of checkpoint inferences applied.
func (s *Session) Checkpoints() int { return s.checkpoints }

// Decisions returns a copy of the raw forecast.
func (s *Session) Decisions() []bool {
	return append([]bool(nil), s.decisions...)
}

// Forecast reports whether a checkpoint has written the decision at pos.
func (s *Session) Forecast(pos int) bool {
	return pos >= 0 && pos < s.length && s.forecast[pos]
}

// IsPassThrough reports whether pos copies the preceding actual outcome.
func (s *Session) IsPassThrough(pos int) bool {
	return s.passThrough[pos]
}

// Decision returns whether the stage at pos should run. A pass-through
// position inside a window written by a checkpoint follows the actual
// outcome of pos-1 once it is known; outside such windows it runs.
func (s *Session) Decision(pos int) bool {
	if s.state == Degraded || pos < 0 || pos >= s.length {
		return true
	}
	if s.passThrough[pos] && s.forecast[pos] && pos > 0 && s.reported[pos-1] {
		return s.outcomes[pos-1]
	}
	return s.decisions[pos]
}

// Record stores the actual outcome of the stage at pos. A skipped stage is
// recorded as unchanged.
func (s *Session) Record(pos int, changed bool) {
	if pos < 0 || pos >= s.length {
		return
	}
	s.outcomes[pos] = changed
	s.reported[pos] = true
	if pos == s.length-1 && s.state != Degraded {
		s.state = Exhausted
	}
}

// History returns the outcomes of positions [0, index) in forward order.
// Positions never reported are filled with the forecast.
func (s *Session) History(index int) []bool {
	if index > s.length {
		index = s.length
	}
	if index < 0 {
		index = 0
	}
	out := make([]bool, index)
	for i := 0; i < index; i++ {
		if s.reported[i] {
			out[i] = s.outcomes[i]
		} else {
			out[i] = s.decisions[i]
		}
	}
	return out
}
