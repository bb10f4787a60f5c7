package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

func init() {
	logger.UseNop()
}

type tickCounts struct {
	mu      sync.Mutex
	ran     map[string]int
	skipped map[string]int
}

func newTickCounts() *tickCounts {
	return &tickCounts{ran: map[string]int{}, skipped: map[string]int{}}
}

func (c *tickCounts) RecordTick(tick string, skipped bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if skipped {
		c.skipped[tick]++
	} else {
		c.ran[tick]++
	}
}

func (c *tickCounts) get(tick string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ran[tick], c.skipped[tick]
}

func TestAdd_Validation(t *testing.T) {
	s := New(Options{})
	noop := func(context.Context) {}

	assert.True(t, errors.IsType(s.Add(Job{Interval: time.Second, Run: noop}), errors.ErrorTypeInvalidArgument))
	assert.True(t, errors.IsType(s.Add(Job{Name: "monitor", Run: noop}), errors.ErrorTypeInvalidArgument))
	require.NoError(t, s.Add(Job{Name: "monitor", Interval: time.Minute, Run: noop}))
	assert.True(t, errors.IsType(s.Add(Job{Name: "monitor", Interval: time.Minute, Run: noop}), errors.ErrorTypeAlreadyExists))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "monitor", jobs[0].Name)
	assert.Equal(t, time.Minute, jobs[0].Interval)

	assert.True(t, errors.IsType(s.RunNow("missing"), errors.ErrorTypeNotFound))
}

func TestRunNow_DoesNotOverlap(t *testing.T) {
	counts := newTickCounts()
	s := New(Options{Recorder: counts})

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "aggregate", Interval: time.Hour, Run: func(context.Context) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	}}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.RunNow("aggregate"))
	}()
	<-started

	wg.Add(1)
	joined := make(chan struct{})
	go func() {
		defer wg.Done()
		close(joined)
		assert.NoError(t, s.RunNow("aggregate"))
	}()
	<-joined
	// give the second caller time to join the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	ran, skipped := counts.get("aggregate")
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, skipped)

	// a later call runs again
	require.NoError(t, s.RunNow("aggregate"))
	assert.Equal(t, int32(2), runs.Load())
}

func TestStart_FiresOnInterval(t *testing.T) {
	counts := newTickCounts()
	s := New(Options{Recorder: counts})
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "monitor", Interval: time.Second, Run: func(context.Context) {
		runs.Add(1)
	}}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop())

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestStop_WaitsForInFlight(t *testing.T) {
	s := New(Options{GracePeriod: time.Second})
	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "advisory", Interval: time.Hour, Run: func(context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}}))

	go func() { _ = s.RunNow("advisory") }()
	<-started

	require.NoError(t, s.Stop())
	assert.True(t, finished.Load())

	// stopped schedulers do not start new runs
	require.NoError(t, s.RunNow("advisory"))
}

func TestStop_CancelsAfterGrace(t *testing.T) {
	s := New(Options{GracePeriod: 30 * time.Millisecond})
	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "advisory", Interval: time.Hour, Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}}))

	go func() { _ = s.RunNow("advisory") }()
	<-started

	err := s.Stop()
	assert.ErrorIs(t, err, ErrGraceExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("tick context was not cancelled")
	}
}
