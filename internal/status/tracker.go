package status

import (
	"sync"
	"time"

	"github.com/basekick-labs/cardbench/internal/experiment"
	"github.com/basekick-labs/cardbench/internal/plan"
)

// Snapshot is the JSON view of the run progress
type Snapshot struct {
	Mode             string    `json:"mode"`
	RunID            string    `json:"run_id,omitempty"`
	Stage            string    `json:"stage"`
	ExperimentIndex  int       `json:"experiment_index"`
	ExperimentsTotal int       `json:"experiments_total"`
	ExperimentID     string    `json:"experiment_id,omitempty"`
	Destination      string    `json:"destination,omitempty"`
	Description      string    `json:"description,omitempty"`
	Phase            string    `json:"phase,omitempty"`
	Active           bool      `json:"active"`
	PhaseSince       time.Time `json:"phase_since,omitempty"`
	CyclesCompleted  int       `json:"cycles_completed"`
	LastError        string    `json:"last_error,omitempty"`
}

// Tracker records where the process is in its run. It implements experiment.Observer.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a tracker in the idle stage
func NewTracker(mode string) *Tracker {
	return &Tracker{
		snap: Snapshot{Mode: mode, Stage: "idle"},
		now:  time.Now,
	}
}

// SetStage records a coarse process stage ("populating", "experimenting", "idle")
func (t *Tracker) SetStage(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Stage = stage
	t.snap.PhaseSince = t.now()
}

// BeginCycle resets the experiment progress for a new plan
func (t *Tracker) BeginCycle(runID string, p plan.Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RunID = runID
	t.snap.Stage = "experimenting"
	t.snap.ExperimentIndex = 0
	t.snap.ExperimentsTotal = len(p)
	t.snap.ExperimentID = ""
	t.snap.Destination = ""
	t.snap.Description = ""
	t.snap.Phase = ""
	t.snap.Active = false
	t.snap.PhaseSince = t.now()
}

// EndCycle marks the cycle finished and keeps err for display
func (t *Tracker) EndCycle(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Stage = "idle"
	t.snap.Active = false
	t.snap.Phase = ""
	t.snap.CyclesCompleted++
	t.snap.LastError = ""
	if err != nil {
		t.snap.LastError = err.Error()
	}
	t.snap.PhaseSince = t.now()
}

// OnPhase implements experiment.Observer
func (t *Tracker) OnPhase(index int, d plan.Descriptor, phase experiment.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.ExperimentIndex = index + 1
	t.snap.ExperimentID = d.ExperimentID
	t.snap.Destination = d.ResultDestination
	t.snap.Description = d.Description
	t.snap.Phase = string(phase)
	t.snap.Active = phase == experiment.PhasePublished || phase == experiment.PhaseRunning
	t.snap.PhaseSince = t.now()
}

// Snapshot returns a copy of the current progress
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
