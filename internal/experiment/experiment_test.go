package experiment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/cardbench/internal/circuitbreaker"
	"github.com/basekick-labs/cardbench/internal/coordination"
	"github.com/basekick-labs/cardbench/internal/plan"
	"github.com/basekick-labs/cardbench/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSubject = "subject"
	testField   = "high_cardinality_field"
)

func newSubjectStore(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateIndex(context.Background(), testSubject, store.IndexBody{}))
	return mem
}

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		SubjectIndex:   testSubject,
		Field:          testField,
		ValueRange:     1000,
		InsertInterval: 20 * time.Millisecond,
		PauseBetween:   10 * time.Millisecond,
		TraceFielddata: true,
	}
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SubjectIndex: testSubject,
		Field:        testField,
		TermsSize:    10,
		PauseMin:     0,
		PauseMax:     5 * time.Millisecond,
		FlushTimeout: 5 * time.Second,
	}
}

func buildPlan(t *testing.T, axes plan.Axes, d time.Duration) plan.Plan {
	t.Helper()
	p, err := plan.Build(axes, "2024-01-02-03-04-05", d)
	require.NoError(t, err)
	return p
}

type phaseEvent struct {
	index   int
	id      string
	phase   Phase
	running bool
	at      time.Time
}

type phaseRecorder struct {
	mu     sync.Mutex
	state  *coordination.State
	events []phaseEvent
}

func (r *phaseRecorder) OnPhase(index int, d plan.Descriptor, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := true
	if r.state != nil {
		running = r.state.Running()
	}
	r.events = append(r.events, phaseEvent{index: index, id: d.ExperimentID, phase: phase, running: running, at: time.Now()})
}

func (r *phaseRecorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, len(r.events))
	for i, e := range r.events {
		out[i] = e.phase
	}
	return out
}

func TestController_TwoDescriptors(t *testing.T) {
	mem := newSubjectStore(t)
	axes := plan.Axes{RefreshIntervals: []string{"1s"}, EagerGlobalOrdinals: []bool{false, true}, RequestCache: []bool{true}}
	p := buildPlan(t, axes, time.Second)
	require.Len(t, p, 2)

	state := coordination.New()
	rec := &phaseRecorder{state: state}
	ctrl := NewController(mem, testControllerConfig(), nil, zerolog.Nop())
	ctrl.SetObserver(rec)

	start := time.Now()
	require.NoError(t, ctrl.Run(context.Background(), p, state))
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []Phase{
		PhaseConfiguring, PhasePublished, PhaseRunning, PhaseRetired,
		PhaseConfiguring, PhasePublished, PhaseRunning, PhaseRetired,
	}, rec.phases())
	for _, e := range rec.events {
		assert.True(t, e.running, "latch released before %s of experiment %d", e.phase, e.index)
	}
	assert.Equal(t, p[0].ExperimentID, rec.events[0].id)
	assert.Equal(t, p[1].ExperimentID, rec.events[4].id)

	// Latched exactly once, by the controller
	assert.False(t, state.Running())
	assert.False(t, state.Stop())
	_, active := state.Active()
	assert.False(t, active)

	// Result indices were created before any settings change
	calls := mem.Calls()
	var firstSettings int
	for i, c := range calls {
		if c.Op == store.OpPutIndexSettings {
			firstSettings = i
			break
		}
	}
	destinations := make(map[string]bool, len(p))
	for _, d := range p {
		assert.True(t, mem.HasIndex(d.ResultDestination))
		destinations[d.ResultDestination] = true
	}
	creates := 0
	for _, c := range calls[:firstSettings] {
		if c.Op == store.OpCreateIndex && destinations[c.Index] {
			creates++
		}
	}
	assert.Equal(t, len(p), creates)

	// Final subject configuration is the last descriptor's
	idx := mem.Settings(testSubject)["index"].(map[string]any)
	assert.Equal(t, "1s", idx["refresh_interval"])
	assert.Equal(t, true, idx["requests"].(map[string]any)["cache"].(map[string]any)["enable"])
	field := mem.Mappings(testSubject)["properties"].(map[string]any)[testField].(map[string]any)
	assert.Equal(t, true, field["eager_global_ordinals"])

	assert.NotEmpty(t, mem.CallsFor(store.OpIndexDocument), "background inserts ran")
	assert.Len(t, mem.CallsFor(store.OpPutClusterSettings), 1)
	trace := mem.ClusterSettings()["transient"].(map[string]any)
	assert.Equal(t, "TRACE", trace["logger.org.elasticsearch.index.fielddata"])
}

func TestController_RejectedSettingsAborts(t *testing.T) {
	mem := newSubjectStore(t)
	mem.FailNext(store.OpPutIndexSettings, &store.Error{
		Op: "put settings", Status: http.StatusBadRequest, Type: "illegal_argument_exception", Reason: "bad refresh_interval",
	})
	p := buildPlan(t, plan.DefaultAxes(), time.Second)

	state := coordination.New()
	rec := &phaseRecorder{}
	ctrl := NewController(mem, testControllerConfig(), nil, zerolog.Nop())
	ctrl.SetObserver(rec)

	err := ctrl.Run(context.Background(), p, state)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, p[0].ExperimentID, ce.ExperimentID)
	assert.Equal(t, "put settings", ce.Op)

	assert.False(t, state.Running(), "latch released on abort")
	_, active := state.Active()
	assert.False(t, active, "a failed configuration is never published")
	assert.Equal(t, []Phase{PhaseConfiguring}, rec.phases())
	assert.Empty(t, mem.CallsFor(store.OpIndexDocument))
}

func TestController_RejectedMappingAborts(t *testing.T) {
	mem := newSubjectStore(t)
	mem.FailNext(store.OpPutFieldMapping, &store.Error{
		Op: "put mapping", Status: http.StatusBadRequest, Type: "illegal_argument_exception", Reason: "conflict",
	})
	p := buildPlan(t, plan.DefaultAxes(), time.Second)
	state := coordination.New()

	err := NewController(mem, testControllerConfig(), nil, zerolog.Nop()).Run(context.Background(), p, state)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "put mapping", ce.Op)
	assert.False(t, state.Running())
}

func TestController_ResultIndexFailure(t *testing.T) {
	mem := newSubjectStore(t)
	mem.FailNext(store.OpCreateIndex, &store.Error{Op: "create", Status: http.StatusBadRequest, Reason: "invalid_index_name_exception"})
	p := buildPlan(t, plan.DefaultAxes(), time.Second)
	state := coordination.New()

	err := NewController(mem, testControllerConfig(), nil, zerolog.Nop()).Run(context.Background(), p, state)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, ce.ExperimentID)
	assert.Empty(t, mem.CallsFor(store.OpPutIndexSettings))
	assert.False(t, state.Running())
}

func TestController_TraceFailureIsNotFatal(t *testing.T) {
	mem := newSubjectStore(t)
	mem.FailNext(store.OpPutClusterSettings, errors.New("forbidden"))
	axes := plan.Axes{RefreshIntervals: []string{"1s"}, EagerGlobalOrdinals: []bool{false}, RequestCache: []bool{false}}
	p := buildPlan(t, axes, 50*time.Millisecond)

	err := NewController(mem, testControllerConfig(), nil, zerolog.Nop()).Run(context.Background(), p, coordination.New())
	assert.NoError(t, err)
}

func TestController_InsertFailuresAreNotFatal(t *testing.T) {
	mem := newSubjectStore(t)
	for i := 0; i < 3; i++ {
		mem.FailNext(store.OpIndexDocument, errors.New("es_rejected_execution_exception"))
	}
	axes := plan.Axes{RefreshIntervals: []string{"1s"}, EagerGlobalOrdinals: []bool{false}, RequestCache: []bool{false}}
	p := buildPlan(t, axes, 200*time.Millisecond)

	err := NewController(mem, testControllerConfig(), nil, zerolog.Nop()).Run(context.Background(), p, coordination.New())
	assert.NoError(t, err)
	assert.Greater(t, len(mem.CallsFor(store.OpIndexDocument)), 3)
}

func TestController_Cancellation(t *testing.T) {
	mem := newSubjectStore(t)
	p := buildPlan(t, plan.DefaultAxes(), time.Hour)
	state := coordination.New()
	rec := &phaseRecorder{}
	ctrl := NewController(mem, testControllerConfig(), nil, zerolog.Nop())
	ctrl.SetObserver(rec)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := ctrl.Run(ctx, p, state)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, state.Running())
	assert.Equal(t, []Phase{PhaseConfiguring, PhasePublished, PhaseRunning, PhaseRetired}, rec.phases())
}

func TestWorker_NoRecordWhileInactive(t *testing.T) {
	mem := newSubjectStore(t)
	mem.SetTook(5)
	state := coordination.New()
	w := NewWorker(0, mem, NewStoreSink(mem, 0), state, testWorkerConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.step(ctx))
	}
	assert.Empty(t, w.Records())
	assert.Len(t, mem.CallsFor(store.OpSearch), 5)

	state.Publish("dest-a", "A")
	require.NoError(t, w.step(ctx))
	recs := w.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "dest-a", recs[0].Destination)
	assert.Equal(t, "A", recs[0].ExperimentID)
	assert.Equal(t, int64(5), recs[0].Took)
}

func TestWorker_QueryFailureIsTransient(t *testing.T) {
	mem := newSubjectStore(t)
	mem.FailNext(store.OpSearch, &store.Error{Op: "search", Status: http.StatusServiceUnavailable, Reason: "unavailable"})
	state := coordination.New()
	state.Publish("dest-a", "A")
	w := NewWorker(3, mem, NewStoreSink(mem, 0), state, testWorkerConfig(), zerolog.Nop())

	err := w.step(context.Background())
	var qe *TransientQueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Worker)
	assert.Empty(t, w.Records())

	require.NoError(t, w.step(context.Background()))
	assert.Len(t, w.Records(), 1)
}

func TestWorker_LoopFlushesOnceAfterLatch(t *testing.T) {
	mem := newSubjectStore(t)
	state := coordination.New()
	state.Publish("dest-a", "A")
	sink := &recordingSink{}
	w := NewWorker(0, mem, sink, state, testWorkerConfig(), zerolog.Nop())

	time.AfterFunc(50*time.Millisecond, func() { state.Stop() })
	require.NoError(t, w.Loop(context.Background()))

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, w.Records(), calls[0])
	assert.NotEmpty(t, calls[0])
}

func TestWorker_EmptyBufferMakesNoWrite(t *testing.T) {
	mem := newSubjectStore(t)
	state := coordination.New()
	state.Stop()
	sink := &recordingSink{}

	w := NewWorker(0, mem, sink, state, testWorkerConfig(), zerolog.Nop())
	require.NoError(t, w.Loop(context.Background()))
	assert.Empty(t, sink.snapshot())
	assert.Empty(t, mem.CallsFor(store.OpSearch))
}

func TestWorker_FlushSurvivesCancellation(t *testing.T) {
	mem := newSubjectStore(t)
	state := coordination.New()
	state.Publish("dest-a", "A")
	sink := &recordingSink{}
	w := NewWorker(0, mem, sink, state, testWorkerConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	require.NoError(t, w.Loop(ctx))

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	assert.NoError(t, sink.ctxErr, "flush context must not inherit cancellation")
}

func TestWorker_BufferSpansRetireAndPublish(t *testing.T) {
	mem := newSubjectStore(t)
	mem.SetTook(3, 7)
	state := coordination.New()
	sink := &recordingSink{}
	w := NewWorker(0, mem, sink, state, testWorkerConfig(), zerolog.Nop())
	ctx := context.Background()

	state.Publish("dest-a", "A")
	require.NoError(t, w.step(ctx))
	state.Retire()
	require.NoError(t, w.step(ctx))
	state.Publish("dest-b", "B")
	require.NoError(t, w.step(ctx))

	state.Stop()
	require.NoError(t, w.Loop(ctx))

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, "dest-a", calls[0][0].Destination)
	assert.Equal(t, "A", calls[0][0].ExperimentID)
	assert.Equal(t, "dest-b", calls[0][1].Destination)
	assert.Equal(t, "B", calls[0][1].ExperimentID)
}

func TestWorker_FlushThroughOpenBreaker(t *testing.T) {
	mem := newSubjectStore(t)
	rs := store.NewResilient(mem, store.ResilientConfig{
		MaxFailures:       3,
		Timeout:           time.Minute,
		HalfOpenSuccesses: 1,
		RetryDelay:        time.Millisecond,
		RetryMaxDelay:     time.Millisecond,
	}, zerolog.Nop())
	state := coordination.New()
	state.Publish("dest-a", "A")
	w := NewWorker(0, rs, NewStoreSink(rs, 0), state, testWorkerConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.step(ctx))
	}
	for i := 0; i < 3; i++ {
		mem.FailNext(store.OpSearch, &store.Error{Op: "search", Status: http.StatusServiceUnavailable, Reason: "unavailable"})
	}
	for i := 0; i < 3; i++ {
		assert.Error(t, w.step(ctx))
	}
	require.Equal(t, circuitbreaker.StateOpen, rs.Breaker().State())

	state.Stop()
	require.NoError(t, w.Loop(ctx))
	assert.Len(t, mem.CallsFor(store.OpBulk), 1)
	assert.Len(t, mem.Docs("dest-a"), 3)
}

func TestStoreSink_WritesResultDocs(t *testing.T) {
	mem := store.NewMemory()
	sink := NewStoreSink(mem, 2)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	failed, err := sink.Write(context.Background(), []Record{
		{Destination: "dest-a", ExperimentID: "A", Took: 4, Timestamp: ts},
		{Destination: "dest-a", ExperimentID: "A", Took: 6, Timestamp: ts},
		{Destination: "dest-b", ExperimentID: "B", Took: 9, Timestamp: ts},
	})
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Len(t, mem.CallsFor(store.OpBulk), 2, "records are chunked by batch size")

	docs := mem.Docs("dest-a")
	require.Len(t, docs, 2)
	assert.Equal(t, "A", docs[0]["experiment_id"])
	assert.Equal(t, float64(4), docs[0]["took"])
	assert.Equal(t, "2024-01-01T00:00:00Z", docs[0]["timestamp"])
	assert.Len(t, mem.Docs("dest-b"), 1)
}

func TestStoreSink_BulkError(t *testing.T) {
	mem := store.NewMemory()
	mem.FailNext(store.OpBulk, errors.New("connection reset"))
	failed, err := NewStoreSink(mem, 0).Write(context.Background(), []Record{{Destination: "d"}, {Destination: "d"}})
	assert.Error(t, err)
	assert.Equal(t, 2, failed)
}

func TestRunner_EndToEnd(t *testing.T) {
	mem := newSubjectStore(t)
	mem.SetTook(7, 11)
	axes := plan.Axes{RefreshIntervals: []string{"1s"}, EagerGlobalOrdinals: []bool{true}, RequestCache: []bool{false}}
	p := buildPlan(t, axes, 2*time.Second)

	sink := &recordingSink{inner: NewStoreSink(mem, 0)}
	rec := &phaseRecorder{}
	runner := NewRunner(mem, sink, RunnerConfig{
		Workers:    1,
		Controller: testControllerConfig(),
		Worker:     testWorkerConfig(),
	}, zerolog.Nop())
	runner.SetObserver(rec)

	out, err := runner.Run(context.Background(), p)
	require.NoError(t, err)

	records := out.AllRecords()
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, p[0].ExperimentID, r.ExperimentID)
		assert.Equal(t, p[0].ResultDestination, r.Destination)
		assert.Contains(t, []int64{7, 11}, r.Took)
	}

	// One flush, after the experiment retired
	require.Len(t, sink.snapshot(), 1)
	var retiredAt time.Time
	for _, e := range rec.events {
		if e.phase == PhaseRetired {
			retiredAt = e.at
		}
	}
	assert.True(t, sink.lastWrite.After(retiredAt))
	assert.Len(t, mem.Docs(p[0].ResultDestination), len(records))
	assert.False(t, out.FinishedAt.Before(out.StartedAt))
}

func TestRunner_SinkFailureSurfaces(t *testing.T) {
	mem := newSubjectStore(t)
	axes := plan.Axes{RefreshIntervals: []string{"1s"}, EagerGlobalOrdinals: []bool{false}, RequestCache: []bool{true}}
	p := buildPlan(t, axes, 300*time.Millisecond)

	sink := &recordingSink{failWith: errors.New("bulk rejected")}
	runner := NewRunner(mem, sink, RunnerConfig{
		Workers:    3,
		Controller: testControllerConfig(),
		Worker:     testWorkerConfig(),
	}, zerolog.Nop())

	out, err := runner.Run(context.Background(), p)
	require.Error(t, err)

	var se *SinkWriteError
	require.ErrorAs(t, err, &se)
	var ce *ConfigurationError
	assert.False(t, errors.As(err, &ce))

	// Every worker still attempted its flush
	assert.Len(t, sink.snapshot(), 3)
	assert.Len(t, out.Records, 3)
}

func TestRunner_ConfigurationErrorStillDrainsWorkers(t *testing.T) {
	mem := store.NewMemory() // no subject index: settings update is rejected with 404
	p := buildPlan(t, plan.DefaultAxes(), time.Second)

	runner := NewRunner(mem, nil, RunnerConfig{
		Workers:    2,
		Controller: testControllerConfig(),
		Worker:     testWorkerConfig(),
	}, zerolog.Nop())

	done := make(chan struct{})
	var err error
	go func() {
		_, err = runner.Run(context.Background(), p)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish after controller abort")
	}
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

// recordingSink captures every Write call
type recordingSink struct {
	mu        sync.Mutex
	inner     Sink
	failWith  error
	calls     [][]Record
	lastWrite time.Time
	ctxErr    error
}

func (s *recordingSink) Write(ctx context.Context, records []Record) (int, error) {
	s.mu.Lock()
	cp := make([]Record, len(records))
	copy(cp, records)
	s.calls = append(s.calls, cp)
	s.lastWrite = time.Now()
	s.ctxErr = ctx.Err()
	s.mu.Unlock()

	if s.failWith != nil {
		return len(records), s.failWith
	}
	if s.inner != nil {
		return s.inner.Write(ctx, records)
	}
	return 0, nil
}

func (s *recordingSink) snapshot() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Record, len(s.calls))
	copy(out, s.calls)
	return out
}
