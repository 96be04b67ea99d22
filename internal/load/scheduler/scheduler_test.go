package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/vuramp/internal/load/metrics"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
)

// eventLog collects events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) before(kind, stop EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == stop {
			break
		}
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func sleepFor(d time.Duration) workload.Func {
	return func(ctx context.Context, it *workload.Iteration) error {
		time.Sleep(d)
		return nil
	}
}

func value(t *testing.T, rec *metrics.Recorder, name, agg string) float64 {
	t.Helper()
	ss, ok := rec.Snapshot().Get(name)
	require.True(t, ok, "metric %s not found", name)
	v, err := ss.Value(agg)
	require.NoError(t, err)
	return v
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{}, sleepFor(0))
	assert.Error(t, err)

	_, err = New(Config{Stages: []Stage{{Duration: time.Second, Target: 1}}}, nil)
	assert.Error(t, err)
}

func TestNew_ReservedMetricMismatch(t *testing.T) {
	rec := metrics.NewRecorder()
	require.NoError(t, rec.Declare(metrics.Iterations, metrics.Trend))

	_, err := New(Config{Stages: []Stage{{Duration: time.Second, Target: 1}}}, sleepFor(0), WithRecorder(rec))
	assert.ErrorIs(t, err, metrics.ErrMetricKindMismatch)
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{Stages: []Stage{{Duration: time.Second, Target: 1}}}, sleepFor(0))
	require.NoError(t, err)

	assert.Equal(t, DefaultTick, s.Config().Tick)
	assert.Equal(t, DefaultGracefulStop, s.Config().GracefulStop)
	assert.NotNil(t, s.Recorder())
	assert.Equal(t, 0, s.LiveWorkers())
	assert.Equal(t, time.Duration(0), s.Elapsed())
}

func TestRun_Ramp(t *testing.T) {
	cfg := Config{
		Stages: []Stage{
			{Duration: 200 * time.Millisecond, Target: 5},
			{Duration: 300 * time.Millisecond, Target: 5},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		Tick: 20 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, sleepFor(5*time.Millisecond), WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.Equal(t, 5, st.Peak)
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, st.Spawned, st.Retired)
	assert.Zero(t, st.Forced)
	assert.False(t, s.Aborted())

	elapsed := s.Elapsed()
	assert.GreaterOrEqual(t, elapsed, cfg.TotalDuration())
	assert.Less(t, elapsed, cfg.TotalDuration()+cfg.Tick+100*time.Millisecond)

	rec := s.Recorder()
	assert.Equal(t, 1.0, value(t, rec, metrics.IterationSuccess, "rate"))
	assert.Greater(t, value(t, rec, metrics.Iterations, "count"), 0.0)
	assert.Equal(t, 0.0, value(t, rec, metrics.IterationErrors, "count"))
	assert.LessOrEqual(t, value(t, rec, metrics.VUs, "max"), 5.0)

	assert.Len(t, events.of(StageEntered), 3)
	assert.Len(t, events.of(DrainStarted), 1)
	assert.Len(t, events.of(WorkerStopped), st.Spawned)
}

func TestRun_AlwaysFailing(t *testing.T) {
	cfg := Config{
		Stages: []Stage{{Duration: 150 * time.Millisecond, Target: 3}},
		Tick:   10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		time.Sleep(time.Millisecond)
		return errors.New("boom")
	}, WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	rec := s.Recorder()
	iterations := value(t, rec, metrics.Iterations, "count")
	assert.Greater(t, iterations, 0.0)
	assert.Equal(t, iterations, value(t, rec, metrics.IterationErrors, "count"))
	assert.Equal(t, 0.0, value(t, rec, metrics.IterationSuccess, "rate"))

	failed := events.of(IterationFailed)
	require.NotEmpty(t, failed)
	var iterErr *workload.IterationError
	require.ErrorAs(t, failed[0].Err, &iterErr)
	assert.Equal(t, "boom", iterErr.Err.Error())
	assert.Equal(t, int64(len(failed)), s.Stats().Failures)
}

func TestRun_SpikeHasNoIntermediateSteps(t *testing.T) {
	cfg := Config{
		StartConcurrency: 5,
		Stages: []Stage{
			{Duration: 0, Target: 200},
			{Duration: 150 * time.Millisecond, Target: 200},
		},
		Tick: 10 * time.Millisecond,
	}
	s, err := New(cfg, sleepFor(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	history := s.History()
	require.NotEmpty(t, history)
	for _, p := range history {
		assert.Equal(t, 200, p.Desired)
	}
	st := s.Stats()
	assert.Equal(t, 200, st.Peak)
	assert.Equal(t, 200, st.Spawned)
}

func TestRun_StopsMostRecentWorkersFirst(t *testing.T) {
	cfg := Config{
		Stages: []Stage{
			{Duration: 0, Target: 4},
			{Duration: 100 * time.Millisecond, Target: 4},
			{Duration: 0, Target: 2},
			{Duration: 150 * time.Millisecond, Target: 2},
		},
		Tick: 10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, sleepFor(2*time.Millisecond), WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	var ids []int
	for _, e := range events.before(WorkerStopping, DrainStarted) {
		ids = append(ids, e.WorkerID)
	}
	assert.Equal(t, []int{4, 3}, ids)
}

func TestRun_NoWorkerRemovedWhileRunning(t *testing.T) {
	var inside sync.Map
	var violations atomic.Int32

	observer := ObserverFunc(func(e Event) {
		if e.Kind != WorkerStopped {
			return
		}
		if v, ok := inside.Load(e.WorkerID); ok && v.(bool) {
			violations.Add(1)
		}
	})

	cfg := Config{
		Stages: []Stage{
			{Duration: 100 * time.Millisecond, Target: 10},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		Tick: 5 * time.Millisecond,
	}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		inside.Store(it.VU, true)
		time.Sleep(20 * time.Millisecond)
		inside.Store(it.VU, false)
		return nil
	}, WithObserver(observer))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, violations.Load())
	assert.Equal(t, s.Stats().Spawned, s.Stats().Retired)
}

func TestRun_LiveNeverExceedsDesired(t *testing.T) {
	cfg := Config{
		Stages: []Stage{
			{Duration: 150 * time.Millisecond, Target: 20},
			{Duration: 150 * time.Millisecond, Target: 0},
		},
		Tick: 10 * time.Millisecond,
	}
	s, err := New(cfg, sleepFor(3*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	var samples int
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Greater(t, samples, 0)
			return
		case <-time.After(7 * time.Millisecond):
			st := s.Stats()
			assert.LessOrEqual(t, st.Live, st.Desired)
			samples++
		}
	}
}

func TestRun_PanicIsRecovered(t *testing.T) {
	cfg := Config{
		Stages: []Stage{{Duration: 50 * time.Millisecond, Target: 1}},
		Tick:   10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		time.Sleep(time.Millisecond)
		panic("kaboom")
	}, WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	failed := events.of(IterationFailed)
	require.NotEmpty(t, failed)
	var iterErr *workload.IterationError
	require.ErrorAs(t, failed[0].Err, &iterErr)
	assert.True(t, iterErr.Panicked)
	assert.ErrorIs(t, failed[0].Err, workload.ErrPanic)
	assert.Greater(t, value(t, s.Recorder(), metrics.IterationErrors, "count"), 0.0)
}

func TestRun_DrainDeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cfg := Config{
		Stages:       []Stage{{Duration: 30 * time.Millisecond, Target: 1}},
		Tick:         5 * time.Millisecond,
		GracefulStop: 20 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		<-release
		return nil
	}, WithObserver(events))
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrDeadlineExceeded)

	st := s.Stats()
	assert.Equal(t, 1, st.Forced)
	assert.Equal(t, 0, st.Active)
	assert.Len(t, events.of(DrainDeadlineExceeded), 1)
}

func TestRun_RequestAbort(t *testing.T) {
	cfg := Config{
		Stages: []Stage{{Duration: 10 * time.Second, Target: 2}},
		Tick:   10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, sleepFor(time.Millisecond), WithObserver(events))
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, func() {
		s.RequestAbort("threshold crossed")
		s.RequestAbort("ignored")
	})

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, s.Aborted())
	assert.Equal(t, "threshold crossed", s.AbortReason())
	assert.Len(t, events.of(AbortRequested), 1)
}

func TestRun_ContextCancelDoesNotInterruptIterations(t *testing.T) {
	var cancelled atomic.Int32

	cfg := Config{
		Stages: []Stage{{Duration: 10 * time.Second, Target: 3}},
		Tick:   10 * time.Millisecond,
	}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			cancelled.Add(1)
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))

	assert.Zero(t, cancelled.Load())
	assert.True(t, s.Aborted())
	assert.Contains(t, s.AbortReason(), "context")
	assert.Equal(t, 0, s.ActiveWorkers())
}

func TestRun_KindMismatchAbortsRun(t *testing.T) {
	cfg := Config{
		Stages:           []Stage{{Duration: 10 * time.Second, Target: 2}},
		StartConcurrency: 2,
		Tick:             10 * time.Millisecond,
	}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		it.Add(metrics.IterationDuration, 1, nil)
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	err = s.Run(context.Background())

	assert.ErrorIs(t, err, metrics.ErrMetricKindMismatch)
	assert.True(t, s.Aborted())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_ThinkTime(t *testing.T) {
	cfg := Config{
		Stages:    []Stage{{Duration: 100 * time.Millisecond, Target: 1}},
		Tick:      10 * time.Millisecond,
		ThinkTime: ThinkTime{Min: 40 * time.Millisecond},
	}
	s, err := New(cfg, sleepFor(0))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))

	iterations := value(t, s.Recorder(), metrics.Iterations, "count")
	assert.GreaterOrEqual(t, iterations, 1.0)
	assert.LessOrEqual(t, iterations, 4.0)
	// Think time is interrupted by the stop signal.
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestRun_PassesSetupData(t *testing.T) {
	var seen atomic.Value

	cfg := Config{
		Stages: []Stage{{Duration: 20 * time.Millisecond, Target: 1}},
		Tick:   5 * time.Millisecond,
	}
	s, err := New(cfg, func(ctx context.Context, it *workload.Iteration) error {
		seen.Store(it.Data())
		return nil
	}, WithData("token-123"))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "token-123", seen.Load())
}

func TestRun_Twice(t *testing.T) {
	cfg := Config{
		Stages: []Stage{{Duration: 10 * time.Millisecond, Target: 1}},
		Tick:   5 * time.Millisecond,
	}
	s, err := New(cfg, sleepFor(0))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}

func TestWorker_StateTransitions(t *testing.T) {
	w := newWorker(1, time.Now())
	assert.Equal(t, StateIdle, w.State())

	require.True(t, w.begin())
	assert.Equal(t, StateRunning, w.State())

	require.True(t, w.requestStop())
	assert.Equal(t, StateStopping, w.State())
	assert.False(t, w.requestStop())

	// A stop that arrives mid-iteration survives the end of it.
	w.end()
	assert.Equal(t, StateStopping, w.State())
	assert.False(t, w.begin())

	w.markStopped()
	w.markStopped()
	assert.Equal(t, StateStopped, w.State())
	select {
	case <-w.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, "stopped", w.State().String())
}

func TestRun_ZeroDurationStagesAreAllEntered(t *testing.T) {
	cfg := Config{
		Stages: []Stage{
			{Duration: 0, Target: 3, Name: "spike"},
			{Duration: 0, Target: 1, Name: "drop"},
			{Duration: 60 * time.Millisecond, Target: 1, Name: "hold"},
		},
		Tick: 10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, sleepFor(time.Millisecond), WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	entered := events.of(StageEntered)
	require.Len(t, entered, 3)
	for i, want := range []struct {
		name    string
		desired int
	}{{"spike", 3}, {"drop", 1}, {"hold", 1}} {
		assert.Equal(t, i, entered[i].Stage)
		assert.Equal(t, want.name, entered[i].StageName)
		assert.Equal(t, want.desired, entered[i].Desired)
		assert.Equal(t, 1, entered[i].Live, "measured after reconciling")
	}
}

func TestRun_HistoryRecordsMeasuredLive(t *testing.T) {
	cfg := Config{
		Mode:             RampingArrivalRate,
		StartConcurrency: 2,
		Stages:           []Stage{{Duration: 100 * time.Millisecond, Target: 0}},
		Tick:             10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, sleepFor(time.Millisecond), WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	history := s.History()
	require.NotEmpty(t, history)
	assert.Equal(t, 2, history[0].Live)
	entered := events.of(StageEntered)
	require.Len(t, entered, 1)
	assert.Equal(t, 2, entered[0].Live)
}

func TestRun_ArrivalRatePacesIterations(t *testing.T) {
	cfg := Config{
		Mode:             RampingArrivalRate,
		StartConcurrency: 2,
		MaxWorkers:       5,
		Stages:           []Stage{{Duration: 400 * time.Millisecond, Target: 50}},
		Tick:             10 * time.Millisecond,
	}
	s, err := New(cfg, sleepFor(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.GreaterOrEqual(t, st.Iterations, int64(12))
	assert.LessOrEqual(t, st.Iterations, int64(24))
	assert.Zero(t, st.Dropped)
	assert.LessOrEqual(t, st.Peak, 5)
	assert.Equal(t, 50.0, st.Rate)
	assert.Equal(t, st.Spawned, st.Retired)
	assert.Equal(t, 0.0, value(t, s.Recorder(), metrics.DroppedIterations, "count"))
}

func TestRun_ArrivalRateGrowsPoolOnDemand(t *testing.T) {
	cfg := Config{
		Mode:       RampingArrivalRate,
		MaxWorkers: 10,
		Stages:     []Stage{{Duration: 300 * time.Millisecond, Target: 100}},
		Tick:       10 * time.Millisecond,
	}
	events := &eventLog{}
	s, err := New(cfg, sleepFor(30*time.Millisecond), WithObserver(events))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.Greater(t, st.Peak, 1, "slow iterations need more than the initial worker")
	assert.LessOrEqual(t, st.Peak, 10)
	assert.Equal(t, st.Spawned, len(events.of(WorkerSpawned)))
	assert.Zero(t, st.Dropped)
}

func TestRun_ArrivalRateDropsAtWorkerCap(t *testing.T) {
	cfg := Config{
		Mode:       RampingArrivalRate,
		MaxWorkers: 1,
		Stages:     []Stage{{Duration: 300 * time.Millisecond, Target: 100}},
		Tick:       10 * time.Millisecond,
	}
	s, err := New(cfg, sleepFor(50*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.Equal(t, 1, st.Peak)
	assert.Equal(t, 1, st.Spawned)
	assert.LessOrEqual(t, st.Iterations, int64(8))
	assert.Positive(t, st.Dropped)
	assert.Equal(t, float64(st.Dropped), value(t, s.Recorder(), metrics.DroppedIterations, "count"))
}

func TestRun_ArrivalRateZeroTargetIsIdle(t *testing.T) {
	cfg := Config{
		Mode:   RampingArrivalRate,
		Stages: []Stage{{Duration: 80 * time.Millisecond, Target: 0}},
		Tick:   10 * time.Millisecond,
	}
	s, err := New(cfg, sleepFor(time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.Zero(t, st.Iterations)
	assert.Equal(t, 1, st.Spawned, "the initial pool is still allocated")
	assert.Equal(t, 1, st.Retired)
}
