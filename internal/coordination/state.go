// Package coordination holds the state the experiment controller shares with the
// measurement workers.
package coordination

import "sync/atomic"

// Active identifies the experiment currently accepting measurements
type Active struct {
	Destination  string
	ExperimentID string
}

// State is the running latch plus the active experiment pair. The pair is swapped as
// one immutable value so readers never see a destination from one experiment with the
// id of another.
type State struct {
	running atomic.Bool
	active  atomic.Pointer[Active]
}

// New returns a state that is running with no active experiment
func New() *State {
	s := &State{}
	s.running.Store(true)
	return s
}

// Running reports whether the controller is still executing the plan
func (s *State) Running() bool {
	return s.running.Load()
}

// Stop releases the latch. It returns true only for the call that flipped it.
func (s *State) Stop() bool {
	return s.running.CompareAndSwap(true, false)
}

// Publish makes an experiment active
func (s *State) Publish(destination, experimentID string) {
	s.active.Store(&Active{Destination: destination, ExperimentID: experimentID})
}

// Retire clears the active experiment
func (s *State) Retire() {
	s.active.Store(nil)
}

// Active returns a consistent snapshot of the active pair
func (s *State) Active() (Active, bool) {
	a := s.active.Load()
	if a == nil {
		return Active{}, false
	}
	return *a, true
}
