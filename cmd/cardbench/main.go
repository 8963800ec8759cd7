package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/cardbench/internal/circuitbreaker"
	"github.com/basekick-labs/cardbench/internal/config"
	"github.com/basekick-labs/cardbench/internal/corpus"
	"github.com/basekick-labs/cardbench/internal/experiment"
	"github.com/basekick-labs/cardbench/internal/logger"
	"github.com/basekick-labs/cardbench/internal/metrics"
	"github.com/basekick-labs/cardbench/internal/plan"
	"github.com/basekick-labs/cardbench/internal/report"
	"github.com/basekick-labs/cardbench/internal/scheduler"
	"github.com/basekick-labs/cardbench/internal/shutdown"
	"github.com/basekick-labs/cardbench/internal/status"
	"github.com/basekick-labs/cardbench/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("cardbench", flag.ContinueOnError)
	modeFlag := fs.String("mode", string(ModeAll), "What to run: all, populate-only or experiments-only")
	configPath := fs.String("config", "", "Path to a config file (default: ./cardbench.toml)")
	showVersion := fs.Bool("version", false, "Print the version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println(Version)
		return 0
	}

	mode, err := ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("version", Version).
		Str("mode", string(mode)).
		Strs("elasticsearch", cfg.Elasticsearch.Addresses).
		Msg("Starting cardbench")

	m := metrics.Init(log.Logger)

	coord := shutdown.New(context.Background(), 30*time.Second, logger.Get("shutdown"))
	coord.Notify()
	defer coord.Shutdown()
	ctx := coord.Context()

	es, err := store.NewElastic(store.ElasticConfig{
		Addresses:      cfg.Elasticsearch.Addresses,
		Username:       cfg.Elasticsearch.Username,
		Password:       cfg.Elasticsearch.Password,
		RequestTimeout: time.Duration(cfg.Elasticsearch.RequestTimeoutSeconds) * time.Second,
	}, logger.Get("elasticsearch"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create Elasticsearch client")
		return 1
	}

	storeLog := logger.Get("store")
	s := store.NewResilient(es, store.ResilientConfig{
		MaxFailures:       cfg.Elasticsearch.BreakerMaxFailures,
		Timeout:           time.Duration(cfg.Elasticsearch.BreakerTimeoutSeconds) * time.Second,
		HalfOpenSuccesses: 1,
		MaxRetries:        cfg.Elasticsearch.MaxRetries,
		RetryDelay:        time.Duration(cfg.Elasticsearch.RetryDelayMS) * time.Millisecond,
		RetryMaxDelay:     time.Duration(cfg.Elasticsearch.RetryMaxDelayMS) * time.Millisecond,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			storeLog.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Elasticsearch circuit breaker changed state")
		},
	}, storeLog)

	if err := s.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Elasticsearch is not reachable")
		return 1
	}

	tracker := status.NewTracker(string(mode))
	values := corpus.NewRandomSource(cfg.Populate.ValueSeed())

	cycle := func(ctx context.Context) error {
		return runCycle(ctx, cfg, s, tracker, mode, values)
	}

	var sched *scheduler.CycleScheduler
	if cfg.Schedule.Cron != "" && mode.Experiments() {
		if mode != ModeExperimentsOnly {
			log.Warn().Str("schedule", cfg.Schedule.Cron).Msg("Schedule only applies to experiments-only mode, running once")
		} else {
			sched, err = newScheduler(cfg.Schedule.Cron, cycle)
			if err != nil {
				log.Error().Err(err).Str("schedule", cfg.Schedule.Cron).Msg("Invalid schedule")
				return 1
			}
		}
	}

	sampler := metrics.NewSampler(m, 720, 5*time.Second)
	sampler.Start()
	coord.RegisterHook("sampler", func(context.Context) error {
		sampler.Stop()
		return nil
	}, shutdown.PrioritySampler)

	if cfg.Status.Enabled {
		srvCfg := status.DefaultServerConfig()
		srvCfg.Port = cfg.Status.Port
		deps := status.Deps{
			Tracker: tracker,
			Breaker: s.Breaker(),
			Sampler: sampler,
		}
		if sched != nil {
			deps.Scheduler = sched
		}
		srv := status.NewServer(srvCfg, deps, logger.Get("status"))
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start status server")
			return 1
		}
		coord.RegisterHook("status-server", func(ctx context.Context) error {
			return srv.Shutdown(5 * time.Second)
		}, shutdown.PriorityStatusServer)
	}

	if mode.Populates() {
		tracker.SetStage("populating")
		if err := populate(ctx, cfg, s, values); err != nil {
			log.Error().Err(err).Msg("Corpus load failed, experiments skipped")
			return ExitCode(err)
		}
		tracker.SetStage("idle")
	}

	if !mode.Experiments() {
		log.Info().Msg("Populate-only run finished")
		return 0
	}

	if sched != nil {
		return runScheduled(coord, sched)
	}

	return ExitCode(cycle(ctx))
}

// populate loads the subject corpus. values is shared with the experiment runner so a
// fixed seed reproduces both the corpus and the background inserts.
func populate(ctx context.Context, cfg *config.Config, s store.Store, values corpus.ValueSource) error {
	loader := corpus.NewLoader(s, values, logger.Get("corpus"))
	_, err := loader.Populate(ctx, corpus.Options{
		Index:                cfg.Subject.Index,
		Field:                cfg.Subject.Field,
		TargetCount:          cfg.Populate.DocCount,
		BatchSize:            cfg.Populate.BatchSize,
		ValueRange:           cfg.Populate.CardinalityRange,
		Shards:               cfg.Subject.Shards,
		Replicas:             cfg.Subject.Replicas,
		LoadRefreshInterval:  cfg.Populate.LoadRefreshInterval,
		ReadyRefreshInterval: cfg.Populate.ReadyRefreshInterval,
		VerifyCount:          cfg.Populate.VerifyCount,
	})
	return err
}

// runCycle builds a fresh plan, runs it and writes the report
func runCycle(ctx context.Context, cfg *config.Config, s store.Store, tracker *status.Tracker, mode Mode, values corpus.ValueSource) error {
	cycleLog := logger.Get("cycle")

	runID := plan.RunID(time.Now())
	p, err := plan.Build(plan.Axes{
		RefreshIntervals:    cfg.Experiment.RefreshIntervals,
		EagerGlobalOrdinals: cfg.Experiment.EagerGlobalOrdinals,
		RequestCache:        cfg.Experiment.RequestCache,
	}, runID, cfg.Experiment.Duration())
	if err != nil {
		return err
	}

	cycleLog.Info().
		Str("run_id", runID).
		Int("experiments", len(p)).
		Dur("estimated_duration", p.TotalDuration()+time.Duration(len(p))*cfg.Experiment.PauseBetween()).
		Strs("experiment_ids", p.ExperimentIDs()).
		Msg("Experiment plan built")

	pauseMin, pauseMax := cfg.Experiment.QueryPauseRange()
	runner := experiment.NewRunner(s, nil, experiment.RunnerConfig{
		Workers: cfg.Experiment.Workers,
		Controller: experiment.ControllerConfig{
			SubjectIndex:   cfg.Subject.Index,
			Field:          cfg.Subject.Field,
			ValueRange:     cfg.Populate.CardinalityRange,
			InsertInterval: cfg.Experiment.InsertInterval(),
			PauseBetween:   cfg.Experiment.PauseBetween(),
			TraceFielddata: cfg.Experiment.TraceFielddata,
		},
		Worker: experiment.WorkerConfig{
			SubjectIndex: cfg.Subject.Index,
			Field:        cfg.Subject.Field,
			TermsSize:    cfg.Experiment.TermsSize,
			PauseMin:     pauseMin,
			PauseMax:     pauseMax,
			FlushTimeout: cfg.Experiment.FlushTimeout(),
		},
	}, logger.Get("experiment"))
	runner.SetObserver(tracker)
	if values != nil {
		runner.SetValueSource(values)
	}

	tracker.BeginCycle(runID, p)
	out, runErr := runner.Run(ctx, p)
	tracker.EndCycle(runErr)

	logRunError(cycleLog, runErr)

	rep := report.New(runID, string(mode), out)
	rep.Errors = errorStrings(runErr)
	report.Log(cycleLog, rep.Experiments)

	if cfg.Report.Enabled {
		path, err := report.WriteFile(cfg.Report.Directory, rep, cfg.Report.Compress)
		if err != nil {
			cycleLog.Error().Err(err).Msg("Failed to write report")
			return errors.Join(runErr, err)
		}
		cycleLog.Info().Str("path", path).Msg("Report written")
	}
	return runErr
}

func newScheduler(schedule string, cycle scheduler.CycleFunc) (*scheduler.CycleScheduler, error) {
	return scheduler.NewCycleScheduler(&scheduler.CycleSchedulerConfig{
		Cycle:    cycle,
		Schedule: schedule,
		Logger:   logger.Get("scheduler"),
	})
}

// runScheduled repeats the cycle until the process is signalled
func runScheduled(coord *shutdown.Coordinator, sched *scheduler.CycleScheduler) int {
	if err := sched.Start(coord.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to start scheduler")
		return 1
	}
	coord.RegisterHook("scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	}, shutdown.PriorityScheduler)

	<-coord.Done()
	if err := coord.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return 0
}

// logRunError reports each joined failure with its own message
func logRunError(l zerolog.Logger, err error) {
	if err == nil {
		return
	}

	var cfgErr *experiment.ConfigurationError
	var planErr *plan.ConfigurationError
	var sinkErr *experiment.SinkWriteError
	switch {
	case errors.As(err, &planErr), errors.As(err, &cfgErr):
		l.Error().Err(err).Msg("Experiment configuration rejected, run aborted")
	case errors.As(err, &sinkErr):
		l.Error().Err(err).Msg("Measurements were not fully written")
	case errors.Is(err, context.Canceled):
		l.Warn().Msg("Run interrupted")
	default:
		l.Error().Err(err).Msg("Run failed")
	}
}

func errorStrings(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, errorStrings(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
