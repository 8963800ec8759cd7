package experiment

import (
	"context"
	"errors"
	"time"

	"github.com/basekick-labs/cardbench/internal/coordination"
	"github.com/basekick-labs/cardbench/internal/corpus"
	"github.com/basekick-labs/cardbench/internal/plan"
	"github.com/basekick-labs/cardbench/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RunnerConfig configures one experiment cycle
type RunnerConfig struct {
	Workers    int
	Controller ControllerConfig
	Worker     WorkerConfig
}

// Outcome is what a cycle measured
type Outcome struct {
	Plan       plan.Plan
	Records    [][]Record // Per worker
	StartedAt  time.Time
	FinishedAt time.Time
}

// AllRecords flattens the per-worker buffers
func (o Outcome) AllRecords() []Record {
	var n int
	for _, r := range o.Records {
		n += len(r)
	}
	out := make([]Record, 0, n)
	for _, r := range o.Records {
		out = append(out, r...)
	}
	return out
}

// Runner runs the controller and the measurement workers as one task group
type Runner struct {
	store    store.Store
	sink     Sink
	cfg      RunnerConfig
	values   corpus.ValueSource
	observer Observer
	logger   zerolog.Logger
}

// NewRunner creates a runner. A nil sink writes through the store.
func NewRunner(s store.Store, sink Sink, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	if sink == nil {
		sink = NewStoreSink(s, 0)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		store:  s,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
	}
}

// SetObserver registers a phase observer for the controller
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// SetValueSource overrides the background insert value source
func (r *Runner) SetValueSource(v corpus.ValueSource) {
	r.values = v
}

// Run executes the plan with a fresh coordination state and waits for the controller
// and every worker. Sink failures do not stop other workers; all errors are joined.
func (r *Runner) Run(ctx context.Context, p plan.Plan) (Outcome, error) {
	state := coordination.New()
	out := Outcome{Plan: p, StartedAt: time.Now()}

	ctrl := NewController(r.store, r.cfg.Controller, r.values, r.logger)
	ctrl.SetObserver(r.observer)

	workers := make([]*Worker, r.cfg.Workers)
	sinkErrs := make([]error, r.cfg.Workers)

	// Plain group: a failing member must not cancel the others
	var g errgroup.Group
	g.Go(func() error {
		return ctrl.Run(ctx, p, state)
	})
	for i := range workers {
		w := NewWorker(i, r.store, r.sink, state, r.cfg.Worker, r.logger)
		workers[i] = w
		g.Go(func() error {
			sinkErrs[i] = w.Loop(ctx)
			return nil
		})
	}

	ctrlErr := g.Wait()
	out.FinishedAt = time.Now()

	out.Records = make([][]Record, len(workers))
	for i, w := range workers {
		out.Records[i] = w.Records()
	}

	for _, err := range sinkErrs {
		if err != nil {
			r.logger.Error().Err(err).Msg("Measurement flush failed")
		}
	}

	return out, errors.Join(append([]error{ctrlErr}, sinkErrs...)...)
}
