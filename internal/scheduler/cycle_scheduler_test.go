package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T, schedule string, cycle CycleFunc) *CycleScheduler {
	t.Helper()
	s, err := NewCycleScheduler(&CycleSchedulerConfig{
		Cycle:    cycle,
		Schedule: schedule,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestNewCycleScheduler_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		cycle    CycleFunc
		schedule string
		wantErr  bool
	}{
		{"cron", noop, "0 3 * * *", false},
		{"descriptor", noop, "@every 30m", false},
		{"empty schedule", noop, "", true},
		{"invalid schedule", noop, "not a schedule", true},
		{"six fields", noop, "0 0 3 * * *", true},
		{"nil cycle", nil, "@hourly", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCycleScheduler(&CycleSchedulerConfig{Cycle: tt.cycle, Schedule: tt.schedule, Logger: zerolog.Nop()})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCycleScheduler_RunCycle(t *testing.T) {
	var calls atomic.Int32
	s := newScheduler(t, "@hourly", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.runCycle(context.Background(), "manual"))
	assert.Equal(t, int32(1), calls.Load())

	status := s.Status()
	assert.Equal(t, int64(1), status["cycles_completed"])
	assert.Contains(t, status, "last_run")
	assert.NotContains(t, status, "next_run")
}

func TestCycleScheduler_CycleError(t *testing.T) {
	boom := errors.New("sink unavailable")
	s := newScheduler(t, "@hourly", func(context.Context) error { return boom })

	err := s.runCycle(context.Background(), "manual")
	assert.ErrorIs(t, err, boom)

	status := s.Status()
	assert.Equal(t, int64(1), status["cycles_failed"])
	assert.Equal(t, "sink unavailable", status["last_error"])
}

func TestCycleScheduler_SkipsOverlappingCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := newScheduler(t, "@hourly", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.runCycle(context.Background(), "manual") }()
	<-started

	err := s.runCycle(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, true, s.Status()["cycle_active"])

	close(release)
	require.NoError(t, <-done)

	status := s.Status()
	assert.Equal(t, int64(1), status["cycles_skipped"])
	assert.Equal(t, int64(1), status["cycles_completed"])
}

func TestCycleScheduler_RunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	s := newScheduler(t, "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Contains(t, s.Status(), "next_run")

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestCycleScheduler_StopCancelsRunningCycle(t *testing.T) {
	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	s := newScheduler(t, "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never started")
	}

	s.Stop()
	assert.True(t, sawCancel.Load())
}

func TestCycleScheduler_StartStopIdempotent(t *testing.T) {
	s := newScheduler(t, "@hourly", func(context.Context) error { return nil })

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}
