package experiment

import (
	"context"
	"strconv"
	"time"

	"github.com/basekick-labs/cardbench/internal/coordination"
	"github.com/basekick-labs/cardbench/internal/corpus"
	"github.com/basekick-labs/cardbench/internal/metrics"
	"github.com/basekick-labs/cardbench/internal/plan"
	"github.com/basekick-labs/cardbench/internal/store"
	"github.com/rs/zerolog"
)

// Phase is a step of one experiment's lifecycle
type Phase string

const (
	PhaseConfiguring Phase = "configuring"
	PhasePublished   Phase = "publish-active"
	PhaseRunning     Phase = "running"
	PhaseRetired     Phase = "retire-active"
)

// Observer receives phase transitions. Calls come from the controller goroutine.
type Observer interface {
	OnPhase(index int, d plan.Descriptor, phase Phase)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(index int, d plan.Descriptor, phase Phase)

func (f ObserverFunc) OnPhase(index int, d plan.Descriptor, phase Phase) { f(index, d, phase) }

// fielddataTrace makes the store log global ordinal build times
var fielddataTrace = map[string]any{
	"transient": map[string]any{
		"logger.org.elasticsearch.index.fielddata": "TRACE",
	},
}

// ControllerConfig holds the controller's fixed parameters
type ControllerConfig struct {
	SubjectIndex   string
	Field          string
	ValueRange     int           // Background insert values are drawn from [1, ValueRange]
	InsertInterval time.Duration // Pause between background inserts
	PauseBetween   time.Duration // Settle time after each experiment retires
	TraceFielddata bool
}

// Controller drives the plan: it reconfigures the subject index for each experiment,
// publishes it to the workers and keeps a slow insert load running for its duration.
type Controller struct {
	store    store.Store
	cfg      ControllerConfig
	values   corpus.ValueSource
	observer Observer
	now      func() time.Time
	logger   zerolog.Logger
}

// NewController creates a controller. A nil values source uses a time-seeded one.
func NewController(s store.Store, cfg ControllerConfig, values corpus.ValueSource, logger zerolog.Logger) *Controller {
	if values == nil {
		values = corpus.NewRandomSource(uint64(time.Now().UnixNano()))
	}
	if cfg.ValueRange <= 0 {
		cfg.ValueRange = 1
	}
	return &Controller{
		store:  s,
		cfg:    cfg,
		values: values,
		now:    time.Now,
		logger: logger.With().Str("component", "experiment-controller").Logger(),
	}
}

// SetObserver registers the phase observer
func (c *Controller) SetObserver(o Observer) {
	c.observer = o
}

func (c *Controller) notify(i int, d plan.Descriptor, phase Phase) {
	if c.observer != nil {
		c.observer.OnPhase(i, d, phase)
	}
}

// Run executes the plan in order. The running latch is released on every exit path,
// so workers always drain and flush.
func (c *Controller) Run(ctx context.Context, p plan.Plan, state *coordination.State) error {
	defer func() {
		if state.Stop() {
			c.logger.Debug().Msg("Released running latch")
		}
	}()

	metrics.Get().SetExperimentsPlanned(int64(len(p)))

	if err := c.prepare(ctx, p); err != nil {
		return err
	}

	for i, d := range p {
		if err := c.runOne(ctx, i, d, state); err != nil {
			return err
		}
	}

	c.logger.Info().Int("experiments", len(p)).Msg("All experiments completed")
	return nil
}

// prepare creates every result index up front and enables ordinal trace logging
func (c *Controller) prepare(ctx context.Context, p plan.Plan) error {
	for _, d := range p {
		if err := c.store.CreateIndex(ctx, d.ResultDestination, ResultIndexBody()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConfigurationError{Op: "create result index " + d.ResultDestination, Err: err}
		}
	}

	if c.cfg.TraceFielddata {
		if err := c.store.PutClusterSettings(ctx, fielddataTrace); err != nil {
			c.logger.Warn().Err(err).Msg("Could not enable fielddata trace logging, ordinal build times will not be logged")
		}
	}
	return nil
}

func (c *Controller) runOne(ctx context.Context, i int, d plan.Descriptor, state *coordination.State) error {
	log := c.logger.With().Int("experiment", i+1).Str("experiment_id", d.ExperimentID).Logger()

	// Configuring
	c.notify(i, d, PhaseConfiguring)
	settings := map[string]any{
		"index": map[string]any{
			"refresh_interval": d.RefreshInterval,
			"requests": map[string]any{
				"cache": map[string]any{"enable": d.RequestCacheEnabled},
			},
		},
	}
	if err := c.store.PutIndexSettings(ctx, c.cfg.SubjectIndex, settings); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConfigurationError{ExperimentID: d.ExperimentID, Op: "put settings", Err: err}
	}
	mapping := map[string]any{
		"type":                  "keyword",
		"eager_global_ordinals": d.EagerGlobalOrdinals,
	}
	if err := c.store.PutFieldMapping(ctx, c.cfg.SubjectIndex, c.cfg.Field, mapping); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConfigurationError{ExperimentID: d.ExperimentID, Op: "put mapping", Err: err}
	}

	// Publish-Active
	state.Publish(d.ResultDestination, d.ExperimentID)
	c.notify(i, d, PhasePublished)

	// Running
	log.Info().
		Str("description", d.Description).
		Str("result_index", d.ResultDestination).
		Dur("duration", d.Duration).
		Msg("Running experiment")
	c.notify(i, d, PhaseRunning)
	inserts, runErr := c.insertLoad(ctx, d.Duration)

	// Retire-Active
	state.Retire()
	c.notify(i, d, PhaseRetired)
	if runErr != nil {
		log.Warn().Err(runErr).Msg("Experiment interrupted")
		return runErr
	}
	metrics.Get().IncExperimentsCompleted()

	log.Info().
		Int("inserts", inserts).
		Dur("pause", c.cfg.PauseBetween).
		Msg("Ended experiment, pausing before continuing")
	return sleepContext(ctx, c.cfg.PauseBetween)
}

// insertLoad indexes one document per InsertInterval until d has elapsed
func (c *Controller) insertLoad(ctx context.Context, d time.Duration) (int, error) {
	m := metrics.Get()
	deadline := c.now().Add(d)
	inserts := 0

	for {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return inserts, nil
		}
		if err := ctx.Err(); err != nil {
			return inserts, err
		}

		doc := corpus.Document{
			Timestamp: c.now(),
			Field:     c.cfg.Field,
			Value:     strconv.Itoa(c.values.Value(c.cfg.ValueRange)),
		}
		if err := c.store.IndexDocument(ctx, c.cfg.SubjectIndex, doc); err != nil {
			if ctx.Err() != nil {
				return inserts, ctx.Err()
			}
			m.IncInsertErrors()
			c.logger.Warn().Err(err).Msg("Background insert failed")
		} else {
			inserts++
			m.IncInserts()
		}

		if err := sleepContext(ctx, min(c.cfg.InsertInterval, deadline.Sub(c.now()))); err != nil {
			return inserts, err
		}
	}
}

// sleepContext sleeps for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
