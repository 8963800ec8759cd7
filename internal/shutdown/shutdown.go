package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Shutdownable is an interface for components that can be shut down gracefully
type Shutdownable interface {
	Close() error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(ctx context.Context) error

// Coordinator owns the run context and the ordered teardown of the process. The run
// context is cancelled on the first SIGINT/SIGTERM or TriggerShutdown, which latches the
// experiment controller and lets workers flush; Shutdown then runs hooks and components
// in priority order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu         sync.Mutex
	components []namedComponent
	hooks      []namedHook

	runCtx    context.Context
	cancelRun context.CancelFunc

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	shutdownCh   chan struct{}
	signals      chan os.Signal
	stopSignals  sync.Once
}

type namedComponent struct {
	name      string
	component Shutdownable
	priority  int // Lower = shutdown first
}

type namedHook struct {
	name     string
	hook     ShutdownFunc
	priority int
}

// New creates a coordinator whose run context derives from parent
func New(parent context.Context, timeout time.Duration, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		runCtx:     ctx,
		cancelRun:  cancel,
		shutdownCh: make(chan struct{}),
		signals:    make(chan os.Signal, 1),
	}
}

// Context is cancelled once shutdown has been requested
func (c *Coordinator) Context() context.Context {
	return c.runCtx
}

// Done is closed once shutdown has been requested
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownCh
}

// Register registers a component for graceful shutdown
// Priority determines shutdown order (lower = shutdown first)
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components = append(c.components, namedComponent{
		name:      name,
		component: component,
		priority:  priority,
	})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered component for shutdown")
}

// RegisterHook registers a shutdown hook function
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks = append(c.hooks, namedHook{
		name:     name,
		hook:     hook,
		priority: priority,
	})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown hook")
}

// Notify cancels the run context when the process receives SIGINT or SIGTERM.
// It returns immediately; call StopNotify to release the signal handler.
func (c *Coordinator) Notify() {
	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.logger.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal, stopping run")
			c.TriggerShutdown()
		case <-c.shutdownCh:
		}
	}()
}

// StopNotify restores default signal handling
func (c *Coordinator) StopNotify() {
	c.stopSignals.Do(func() {
		signal.Stop(c.signals)
	})
}

// WaitForSignal blocks until a shutdown signal is received or shutdown is triggered
func (c *Coordinator) WaitForSignal() {
	c.Notify()
	<-c.shutdownCh
}

// Shutdown cancels the run context, then executes hooks and closes components by
// priority. Later calls return the first result.
func (c *Coordinator) Shutdown() error {
	var shutdownErr error

	c.shutdownOnce.Do(func() {
		c.TriggerShutdown()
		c.StopNotify()

		c.mu.Lock()
		components := slices.Clone(c.components)
		hooks := slices.Clone(c.hooks)
		c.mu.Unlock()

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("components", len(components)).
			Int("hooks", len(hooks)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()

		slices.SortStableFunc(components, func(a, b namedComponent) int { return cmp.Compare(a.priority, b.priority) })
		slices.SortStableFunc(hooks, func(a, b namedHook) int { return cmp.Compare(a.priority, b.priority) })

		// Hooks first
		for _, h := range hooks {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("hook", h.name).
					Msg("Shutdown timeout reached, skipping remaining hooks")
				shutdownErr = ctx.Err()
				return
			}

			c.logger.Debug().
				Str("hook", h.name).
				Int("priority", h.priority).
				Msg("Executing shutdown hook")

			if err := h.hook(ctx); err != nil {
				c.logger.Error().
					Err(err).
					Str("hook", h.name).
					Msg("Shutdown hook failed")
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		for _, comp := range components {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("component", comp.name).
					Msg("Shutdown timeout reached, skipping remaining components")
				shutdownErr = ctx.Err()
				return
			}

			if err := comp.component.Close(); err != nil {
				c.logger.Error().
					Err(err).
					Str("component", comp.name).
					Msg("Component shutdown failed")
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})

	return shutdownErr
}

// TriggerShutdown cancels the run context. Safe to call from multiple goroutines.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.cancelRun()
		close(c.shutdownCh)
	})
}

// Shutdown priorities, lowest first
const (
	PriorityScheduler    = 10 // Stop scheduling new cycles
	PriorityStatusServer = 20
	PrioritySampler      = 30
	PriorityStore        = 40 // Store connections last
)
