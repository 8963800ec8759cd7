package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockShutdownable struct {
	name     string
	closeErr error
	order    *[]string
	mu       *sync.Mutex
}

func (m *mockShutdownable) Close() error {
	m.mu.Lock()
	*m.order = append(*m.order, m.name)
	m.mu.Unlock()
	return m.closeErr
}

func newTestCoordinator(timeout time.Duration) *Coordinator {
	return New(context.Background(), timeout, zerolog.Nop())
}

func TestShutdown_RunsHooksThenComponentsByPriority(t *testing.T) {
	c := newTestCoordinator(5 * time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.Register("store", &mockShutdownable{name: "store", order: &order, mu: &mu}, PriorityStore)
	c.Register("status", &mockShutdownable{name: "status", order: &order, mu: &mu}, PriorityStatusServer)
	c.RegisterHook("sampler", record("sampler"), PrioritySampler)
	c.RegisterHook("scheduler", record("scheduler"), PriorityScheduler)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"scheduler", "sampler", "status", "store"}, order)
}

func TestShutdown_CancelsRunContext(t *testing.T) {
	c := newTestCoordinator(time.Second)
	require.NoError(t, c.Context().Err())

	var hookSawCancel bool
	c.RegisterHook("check", func(context.Context) error {
		hookSawCancel = c.Context().Err() != nil
		return nil
	}, PriorityScheduler)

	require.NoError(t, c.Shutdown())
	assert.ErrorIs(t, c.Context().Err(), context.Canceled)
	assert.True(t, hookSawCancel)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

func TestShutdown_Once(t *testing.T) {
	c := newTestCoordinator(time.Second)
	calls := 0
	c.RegisterHook("count", func(context.Context) error {
		calls++
		return nil
	}, PriorityScheduler)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestShutdown_ReturnsFirstErrorAndContinues(t *testing.T) {
	c := newTestCoordinator(time.Second)

	var mu sync.Mutex
	var order []string
	first := errors.New("first")
	c.RegisterHook("failing", func(context.Context) error { return first }, PriorityScheduler)
	c.Register("a", &mockShutdownable{name: "a", closeErr: errors.New("second"), order: &order, mu: &mu}, PriorityStatusServer)
	c.Register("b", &mockShutdownable{name: "b", order: &order, mu: &mu}, PriorityStore)

	err := c.Shutdown()
	assert.ErrorIs(t, err, first)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestShutdown_TimeoutSkipsRemaining(t *testing.T) {
	c := newTestCoordinator(20 * time.Millisecond)

	var mu sync.Mutex
	var order []string
	c.RegisterHook("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, PriorityScheduler)
	c.Register("never", &mockShutdownable{name: "never", order: &order, mu: &mu}, PriorityStore)

	err := c.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, order)
}

func TestTriggerShutdown_Concurrent(t *testing.T) {
	c := newTestCoordinator(time.Second)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TriggerShutdown()
		}()
	}
	wg.Wait()

	assert.Error(t, c.Context().Err())
	require.NoError(t, c.Shutdown())
}

func TestNew_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent, time.Second, zerolog.Nop())
	cancel()
	assert.ErrorIs(t, c.Context().Err(), context.Canceled)
}

func TestNotify_SignalCancelsRunContext(t *testing.T) {
	c := newTestCoordinator(time.Second)
	c.Notify()
	defer c.StopNotify()

	// Deliver directly to the handler channel rather than signalling the test process
	c.signals <- syscall.SIGTERM

	select {
	case <-c.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run context was not cancelled")
	}
}

func TestWaitForSignal_ReturnsOnTrigger(t *testing.T) {
	c := newTestCoordinator(time.Second)

	done := make(chan struct{})
	go func() {
		c.WaitForSignal()
		close(done)
	}()

	c.TriggerShutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal did not return")
	}
	c.StopNotify()
}
