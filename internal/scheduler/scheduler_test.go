package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"hpjflow/internal/store"
)

func newTestScheduler(t *testing.T, reg *Registry) (*Scheduler, *store.Store) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))

	st := store.New(db, zerolog.Nop())
	s, err := New(Config{
		Store:    st,
		Registry: reg,
		Logger:   zerolog.Nop(),
		Tick:     10 * time.Millisecond,
		Location: time.UTC,
	})
	require.NoError(t, err)
	return s, st
}

func TestAddJobRequiresKnownHandler(t *testing.T) {
	reg := NewRegistry()
	s, _ := newTestScheduler(t, reg)

	_, err := s.AddJob(context.Background(), "nope", nil, Every(time.Now(), time.Hour))
	assert.True(t, errors.Is(err, ErrUnknownHandler))
}

func TestAddThenRemoveLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(context.Context, []string) error { return nil }))
	s, st := newTestScheduler(t, reg)

	job, err := s.AddJob(ctx, "noop", nil, Every(time.Now().Add(-time.Hour), time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RemoveJob(ctx, job.ID))

	due, err := st.DueJobs(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAddJobRejectsExhaustedCondition(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(context.Context, []string) error { return nil }))
	s, _ := newTestScheduler(t, reg)

	_, err := s.AddJob(context.Background(), "noop", nil, Once(time.Now().Add(-time.Hour)))
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestPollExecutesDueJobsConcurrentlyAndIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	var good atomic.Int32
	require.NoError(t, reg.Register("good", func(context.Context, []string) error {
		good.Add(1)
		return nil
	}))
	require.NoError(t, reg.Register("bad", func(context.Context, []string) error {
		return errors.New("boom")
	}))
	require.NoError(t, reg.Register("panics", func(context.Context, []string) error {
		panic("kaboom")
	}))

	s, _ := newTestScheduler(t, reg)

	start := time.Now().Add(5 * time.Millisecond)
	_, err := s.AddJob(ctx, "good", nil, Every(start, time.Hour))
	require.NoError(t, err)
	_, err = s.AddJob(ctx, "bad", nil, Every(start, time.Hour))
	require.NoError(t, err)
	_, err = s.AddJob(ctx, "panics", nil, Every(start, time.Hour))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.pollOnce(ctx)
	s.inflight.Wait()

	assert.Equal(t, int32(1), good.Load(), "healthy job ran despite failing siblings")
}

func TestOneShotJobFiresOnceThenDisappears(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	var fired atomic.Int32
	require.NoError(t, reg.Register("once", func(context.Context, []string) error {
		fired.Add(1)
		return nil
	}))

	s, st := newTestScheduler(t, reg)

	_, err := s.AddJob(ctx, "once", nil, Once(time.Now().Add(10*time.Millisecond)))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.pollOnce(ctx)
	s.inflight.Wait()
	assert.Equal(t, int32(1), fired.Load())

	// Exhausted: nothing due anymore, body pruned.
	s.pollOnce(ctx)
	s.inflight.Wait()
	assert.Equal(t, int32(1), fired.Load())

	due, err := st.DueJobs(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRecurringJobIsRescheduledOnTime(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	var mu sync.Mutex
	var runs []time.Time
	require.NoError(t, reg.Register("tickly", func(context.Context, []string) error {
		mu.Lock()
		runs = append(runs, time.Now())
		mu.Unlock()
		return nil
	}))

	s, _ := newTestScheduler(t, reg)

	_, err := s.AddJob(ctx, "tickly", nil, Every(time.Now().Add(5*time.Millisecond), 30*time.Millisecond))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(35 * time.Millisecond)
		s.pollOnce(ctx)
	}
	s.inflight.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(runs), 2, "recurring job should fire repeatedly")
}

func TestArgsReachHandler(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	got := make(chan []string, 1)
	require.NoError(t, reg.Register("echo", func(_ context.Context, args []string) error {
		got <- args
		return nil
	}))

	s, _ := newTestScheduler(t, reg)

	_, err := s.AddJob(ctx, "echo", []string{"09:30"}, Every(time.Now().Add(5*time.Millisecond), time.Hour))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.pollOnce(ctx)
	select {
	case args := <-got:
		assert.Equal(t, []string{"09:30"}, args)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestLifecycleStateMachine(t *testing.T) {
	reg := NewRegistry()
	s, _ := newTestScheduler(t, reg)

	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, errors.Is(s.Start(), ErrAlreadyRunning))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, StateStopped, s.State())
}

func TestShutdownDrainsInflightExecutions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, reg.Register("slow", func(context.Context, []string) error {
		<-release
		finished.Store(true)
		return nil
	}))

	s, _ := newTestScheduler(t, reg)
	require.NoError(t, s.Start())

	_, err := s.AddJob(ctx, "slow", nil, Every(time.Now().Add(5*time.Millisecond), time.Hour))
	require.NoError(t, err)

	// Let the loop pick the job up.
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Shutdown(sctx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a job was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
}

func TestJobRecordRoundTrip(t *testing.T) {
	job := newJob("alarm.fanout", []string{"09:30"}, Every(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), 24*time.Hour))

	body, err := job.encode()
	require.NoError(t, err)

	got, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = decodeJob([]byte(`{"id":""}`))
	assert.Error(t, err)
	_, err = decodeJob([]byte(`not json`))
	assert.Error(t, err)
}
