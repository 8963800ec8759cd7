package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrCycleInProgress is returned when a cycle fires while the previous one is still running
var ErrCycleInProgress = errors.New("experiment cycle already in progress")

// CycleFunc runs one experiment cycle
type CycleFunc func(ctx context.Context) error

// CycleScheduler repeats the experiment cycle on a cron schedule. A tick that fires while
// the previous cycle is still running is skipped.
type CycleScheduler struct {
	cycle    CycleFunc
	schedule string
	parser   cron.Parser
	cron     *cron.Cron
	running  bool
	mu       sync.Mutex
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	busy      atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	lastMu    sync.Mutex
	lastRun   time.Time
	lastError string
}

// CycleSchedulerConfig holds configuration for the cycle scheduler
type CycleSchedulerConfig struct {
	Cycle    CycleFunc
	Schedule string // Standard 5-field cron, or a descriptor such as "@every 30m"
	Logger   zerolog.Logger
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NewCycleScheduler validates the schedule and creates a stopped scheduler
func NewCycleScheduler(cfg *CycleSchedulerConfig) (*CycleScheduler, error) {
	if cfg.Cycle == nil {
		return nil, errors.New("cycle function is required")
	}
	if cfg.Schedule == "" {
		return nil, errors.New("schedule is required")
	}

	parser := newParser()
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, err
	}

	s := &CycleScheduler{
		cycle:    cfg.Cycle,
		schedule: cfg.Schedule,
		parser:   parser,
		logger:   cfg.Logger.With().Str("component", "cycle-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", cfg.Schedule).
		Msg("Cycle scheduler initialized")

	return s, nil
}

// Start schedules cycles. Cycles run with a context derived from ctx, so cancelling ctx
// interrupts a running cycle.
func (s *CycleScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Cycle scheduler already running")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)

	if _, err := s.cron.AddFunc(s.schedule, func() {
		_ = s.runCycle(s.ctx, "scheduled")
	}); err != nil {
		s.cancel()
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.nextRun()).
		Msg("Cycle scheduler started")

	return nil
}

// Stop cancels a running cycle and waits for it to return
func (s *CycleScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	stopped := s.cron.Stop()
	<-stopped.Done()

	s.running = false
	s.logger.Info().Msg("Cycle scheduler stopped")
}


func (s *CycleScheduler) runCycle(ctx context.Context, trigger string) error {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Str("trigger", trigger).Msg("Previous cycle still running, skipping")
		return ErrCycleInProgress
	}
	defer s.busy.Store(false)

	start := time.Now()
	s.logger.Info().Str("trigger", trigger).Msg("Starting experiment cycle")

	err := s.cycle(ctx)

	s.lastMu.Lock()
	s.lastRun = start
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.lastMu.Unlock()

	if err != nil {
		s.failed.Add(1)
		s.logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Experiment cycle failed")
		return err
	}
	s.completed.Add(1)
	s.logger.Info().Dur("duration", time.Since(start)).Msg("Experiment cycle completed")
	return nil
}

func (s *CycleScheduler) nextRun() time.Time {
	schedule, err := s.parser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// Status returns scheduler status
func (s *CycleScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	status := map[string]interface{}{
		"running":          running,
		"schedule":         s.schedule,
		"cycle_active":     s.busy.Load(),
		"cycles_completed": s.completed.Load(),
		"cycles_failed":    s.failed.Load(),
		"cycles_skipped":   s.skipped.Load(),
	}

	s.lastMu.Lock()
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
	}
	if s.lastError != "" {
		status["last_error"] = s.lastError
	}
	s.lastMu.Unlock()

	if running {
		status["next_run"] = s.nextRun().Format(time.RFC3339)
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *CycleScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
