package experiment

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/basekick-labs/cardbench/internal/coordination"
	"github.com/basekick-labs/cardbench/internal/metrics"
	"github.com/basekick-labs/cardbench/internal/store"
	"github.com/rs/zerolog"
)

// WorkerConfig holds the measurement worker parameters
type WorkerConfig struct {
	SubjectIndex string
	Field        string
	TermsSize    int
	PauseMin     time.Duration // Lower bound of the pause between aggregations
	PauseMax     time.Duration
	FlushTimeout time.Duration // Bound on the final flush; 0 means none
}

// AggregationQuery is the terms aggregation every worker measures
func AggregationQuery(field string, size int) map[string]any {
	return map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"topn": map[string]any{
				"terms": map[string]any{
					"field": field,
					"size":  size,
				},
			},
		},
	}
}

// Worker repeatedly runs the aggregation against the subject index and buffers the
// store-reported took for whichever experiment is active when the query returns.
// The buffer is written once, after the controller releases the running latch.
type Worker struct {
	id     int
	store  store.Store
	sink   Sink
	state  *coordination.State
	cfg    WorkerConfig
	query  map[string]any
	rng    *rand.Rand
	now    func() time.Time
	logger zerolog.Logger

	records []Record
}

// NewWorker creates a measurement worker
func NewWorker(id int, s store.Store, sink Sink, state *coordination.State, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.TermsSize <= 0 {
		cfg.TermsSize = 10
	}
	if cfg.PauseMax < cfg.PauseMin {
		cfg.PauseMax = cfg.PauseMin
	}
	seed := uint64(time.Now().UnixNano())
	return &Worker{
		id:     id,
		store:  s,
		sink:   sink,
		state:  state,
		cfg:    cfg,
		query:  AggregationQuery(cfg.Field, cfg.TermsSize),
		rng:    rand.New(rand.NewPCG(seed, uint64(id))),
		now:    time.Now,
		logger: logger.With().Str("component", "measurement-worker").Int("worker", id).Logger(),
	}
}

// Loop measures until the running latch is released or ctx is done, then flushes
func (w *Worker) Loop(ctx context.Context) error {
	m := metrics.Get()
	m.IncActiveWorkers()
	defer m.DecActiveWorkers()

	w.logger.Debug().Msg("Starting aggregation worker")
	for w.state.Running() && ctx.Err() == nil {
		if err := w.step(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("Aggregation failed, skipping iteration")
		}
		w.pause(ctx)
	}
	return w.flush(ctx)
}

// step runs one aggregation and buffers its took if an experiment is active
func (w *Worker) step(ctx context.Context) error {
	m := metrics.Get()
	m.IncQueries()

	res, err := w.store.Search(ctx, w.cfg.SubjectIndex, w.query)
	if err != nil {
		m.IncQueryErrors()
		return &TransientQueryError{Worker: w.id, Err: err}
	}
	m.RecordQueryTook(res.Took)

	// Attribute the measurement to the experiment active when the query completed
	active, ok := w.state.Active()
	if !ok {
		m.IncMeasurementsDiscarded()
		return nil
	}
	w.records = append(w.records, Record{
		Destination:  active.Destination,
		ExperimentID: active.ExperimentID,
		Took:         res.Took,
		Timestamp:    w.now(),
	})
	m.IncMeasurementsRecorded()
	return nil
}

func (w *Worker) pause(ctx context.Context) {
	d := w.cfg.PauseMin
	if span := w.cfg.PauseMax - w.cfg.PauseMin; span > 0 {
		d += time.Duration(w.rng.Int64N(int64(span) + 1))
	}
	_ = sleepContext(ctx, d)
}

// flush writes the whole buffer in one sink call. The write outlives cancellation of
// ctx so an interrupted run still persists what it measured.
func (w *Worker) flush(ctx context.Context) error {
	if len(w.records) == 0 {
		w.logger.Debug().Msg("No measurements to write")
		return nil
	}

	flushCtx := context.WithoutCancel(ctx)
	if w.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(flushCtx, w.cfg.FlushTimeout)
		defer cancel()
	}

	m := metrics.Get()
	start := w.now()
	failed, err := w.sink.Write(flushCtx, w.records)
	if err != nil || failed > 0 {
		m.IncFlushErrors()
		m.IncRecordsFlushed(int64(len(w.records) - failed))
		return &SinkWriteError{Worker: w.id, Records: len(w.records), Failed: failed, Err: err}
	}
	m.IncRecordsFlushed(int64(len(w.records)))

	w.logger.Info().
		Int("records", len(w.records)).
		Dur("elapsed", w.now().Sub(start)).
		Msg("Wrote measurements")
	return nil
}

// Records returns the buffered measurements. Call it after Loop returns.
func (w *Worker) Records() []Record {
	out := make([]Record, len(w.records))
	copy(out, w.records)
	return out
}
