// Package scheduler drives a pool of virtual users through a staged load
// profile.
//
// Every tick the scheduler computes the desired worker count from the
// elapsed time and the stage list, spawns missing workers and asks the most
// recently spawned excess workers to stop. Workers are never interrupted: a
// worker asked to stop finishes its current iteration first.
//
// In RampingArrivalRate mode the stage list drives an iteration rate
// instead. A pacer releases iteration slots at that rate and each slot is
// handed to an idle worker, growing the pool up to MaxWorkers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/wesleyorama2/vuramp/internal/load/metrics"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
)

var (
	// ErrDeadlineExceeded is returned by Run when workers did not drain
	// within the graceful stop period.
	ErrDeadlineExceeded = errors.New("scheduler drain deadline exceeded")
	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

const defaultHistoryLimit = 10000

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithRecorder sets the recorder iterations are recorded into. By default the
// scheduler creates its own.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithData sets the read-only value handed to every iteration.
func WithData(data any) Option {
	return func(s *Scheduler) {
		s.data = data
	}
}

// WithHistoryLimit bounds the desired-concurrency history.
func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// Stats is a point-in-time summary of the scheduler.
type Stats struct {
	Elapsed    time.Duration `json:"elapsed"`
	Ticks      int64         `json:"ticks"`
	Stage      int           `json:"stage"`
	StageName  string        `json:"stageName,omitempty"`
	Desired    int           `json:"desired"`
	Live       int           `json:"live"`
	Active     int           `json:"active"`
	Peak       int           `json:"peak"`
	Spawned    int           `json:"spawned"`
	Retired    int           `json:"retired"`
	Forced     int           `json:"forced"`
	Iterations int64         `json:"iterations"`
	Failures   int64         `json:"failures"`
	Rate       float64       `json:"rate,omitempty"`
	Dropped    int64         `json:"dropped,omitempty"`
}

// Scheduler runs workers according to a Config.
type Scheduler struct {
	cfg      Config
	fn       workload.Func
	rec      *metrics.Recorder
	observer Observer
	data     any

	started    atomic.Bool
	iterations atomic.Int64
	failures   atomic.Int64
	dropped    atomic.Int64

	// Arrival-rate mode only.
	pacer *pacer
	slots chan struct{}

	abortOnce sync.Once
	abortCh   chan struct{}

	wg sync.WaitGroup

	mu           sync.Mutex
	startedAt    time.Time
	finishedAt   time.Time
	workers      []*Worker
	nextID       int
	ticks        int64
	stage        int
	desired      int
	rate         float64
	peak         int
	spawned      int
	retired      int
	forced       int
	aborted      bool
	fatal        error
	abortReason  string
	history      []Point
	historyLimit int
}

// New validates cfg and creates a scheduler that runs fn in every worker.
func New(cfg Config, fn workload.Func, opts ...Option) (*Scheduler, error) {
	if fn == nil {
		return nil, errors.New("scheduler: workload function is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: invalid config: %w", err)
	}

	s := &Scheduler{
		cfg:          cfg.withDefaults(),
		fn:           fn,
		observer:     nopObserver{},
		abortCh:      make(chan struct{}),
		stage:        -1,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rec == nil {
		s.rec = metrics.NewRecorder()
	}
	if s.cfg.Mode == RampingArrivalRate {
		s.pacer = newPacer(0)
		s.slots = make(chan struct{})
	}

	for name, kind := range map[string]metrics.Kind{
		metrics.Iterations:        metrics.Counter,
		metrics.IterationErrors:   metrics.Counter,
		metrics.IterationSuccess:  metrics.Rate,
		metrics.IterationDuration: metrics.Trend,
		metrics.VUs:               metrics.Trend,
		metrics.DroppedIterations: metrics.Counter,
	} {
		if err := s.rec.Declare(name, kind); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}

	return s, nil
}

// Config returns the effective configuration, defaults applied.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Recorder returns the recorder iterations are recorded into.
func (s *Scheduler) Recorder() *metrics.Recorder {
	return s.rec
}

// Run drives the load profile and blocks until all workers have drained or
// the graceful stop period expired.
//
// The run ends when the total stage duration has elapsed, when ctx is done,
// or after RequestAbort. Cancelling ctx never interrupts an iteration in
// progress. Run returns ErrDeadlineExceeded if the drain timed out, and any
// metrics error raised by a workload, which also aborts the run.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	// Iterations only stop through the worker stop signal.
	iterCtx := context.WithoutCancel(ctx)

	end := time.NewTimer(s.cfg.TotalDuration())
	defer end.Stop()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	if !s.Aborted() {
		if s.pacer != nil {
			s.preallocate(iterCtx)
		}
		s.tick(iterCtx)
	}

	stopDispatch := make(chan struct{})
	dispatchDone := make(chan struct{})
	if s.pacer != nil && !s.Aborted() {
		go func() {
			defer close(dispatchDone)
			s.dispatch(iterCtx, stopDispatch)
		}()
	} else {
		close(dispatchDone)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			s.RequestAbort(fmt.Sprintf("context done: %v", ctx.Err()))
			break loop
		case <-s.abortCh:
			break loop
		case <-end.C:
			break loop
		case <-ticker.C:
			s.tick(iterCtx)
		}
	}

	close(stopDispatch)
	<-dispatchDone
	drainErr := s.drain()

	s.mu.Lock()
	s.finishedAt = time.Now()
	s.mu.Unlock()

	return multierr.Append(s.Err(), drainErr)
}

// tick reconciles the worker pool with the desired count, or in
// arrival-rate mode retunes the pacer.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	elapsed := s.Elapsed()

	var (
		desired, stage int
		rate           float64
	)
	if s.pacer != nil {
		rate, stage = s.cfg.RateAt(elapsed)
		s.pacer.setRate(rate)
	} else {
		desired, stage = s.cfg.DesiredAt(elapsed)
	}

	var events []Event

	s.mu.Lock()
	s.ticks++

	// Zero-duration stages are passed within a single tick; each still
	// gets its own event.
	for next := s.stage + 1; next <= stage; next++ {
		e := Event{
			Kind:      StageEntered,
			Time:      now,
			Elapsed:   elapsed,
			Stage:     next,
			StageName: s.cfg.Stages[next].Name,
			Desired:   desired,
			Rate:      rate,
		}
		if next < stage {
			if s.pacer != nil {
				e.Rate = float64(s.cfg.Stages[next].Target)
			} else {
				e.Desired = s.cfg.Stages[next].Target
			}
		}
		events = append(events, e)
	}
	if stage > s.stage {
		s.stage = stage
	}

	live := s.liveLocked()
	if s.pacer != nil {
		// The pool only grows on demand from dispatch.
		desired = len(live)
		for i := range events {
			events[i].Desired = desired
		}
	}
	switch {
	case s.pacer != nil:
		// Nothing to reconcile.
	case desired > len(live):
		for i := len(live); i < desired; i++ {
			w := s.spawnLocked(ctx, now)
			events = append(events, Event{Kind: WorkerSpawned, Time: now, Elapsed: elapsed, WorkerID: w.id, Stage: stage, Desired: desired})
		}
	case desired < len(live):
		// Most recently spawned first.
		for i := len(live) - 1; i >= desired; i-- {
			if live[i].requestStop() {
				events = append(events, Event{Kind: WorkerStopping, Time: now, Elapsed: elapsed, WorkerID: live[i].id, Stage: stage, Desired: desired})
			}
		}
	}

	liveNow := len(s.liveLocked())
	if desired > s.peak {
		s.peak = desired
	}
	if desired != s.desired || rate != s.rate || len(s.history) == 0 {
		s.appendHistoryLocked(Point{Elapsed: elapsed, Desired: desired, Live: liveNow, Rate: rate})
	}
	s.desired = desired
	s.rate = rate
	s.mu.Unlock()

	if err := s.rec.AddTrend(metrics.VUs, float64(desired), nil); err != nil {
		s.fail(err)
	}

	for i := range events {
		events[i].Live = liveNow
		s.observer.OnEvent(events[i])
	}
}

// preallocate spawns the initial arrival-rate pool.
func (s *Scheduler) preallocate(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	spawned := make([]int, 0, s.cfg.StartConcurrency)
	for i := 0; i < s.cfg.StartConcurrency; i++ {
		spawned = append(spawned, s.spawnLocked(ctx, now).id)
	}
	if len(s.workers) > s.peak {
		s.peak = len(s.workers)
	}
	live := len(s.workers)
	s.mu.Unlock()

	for _, id := range spawned {
		s.observer.OnEvent(Event{Kind: WorkerSpawned, Time: now, WorkerID: id, Desired: live, Live: live})
	}
}

// dispatch releases iteration slots at the pacer's rate until stop is
// closed.
func (s *Scheduler) dispatch(ctx context.Context, stop <-chan struct{}) {
	for {
		at, ok := s.pacer.next()
		if !ok {
			at = time.Now().Add(s.cfg.Tick)
		}
		if wait := time.Until(at); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case <-stop:
			return
		default:
		}
		if ok {
			s.release(ctx, stop)
		}
	}
}

// release hands one slot to an idle worker, spawning a worker when the pool
// is below MaxWorkers. With no capacity left the iteration is dropped.
func (s *Scheduler) release(ctx context.Context, stop <-chan struct{}) {
	select {
	case s.slots <- struct{}{}:
		return
	default:
	}

	now := time.Now()
	s.mu.Lock()
	live := len(s.liveLocked())
	if live >= s.cfg.MaxWorkers {
		s.mu.Unlock()
		s.dropped.Add(1)
		if err := s.rec.Add(metrics.DroppedIterations, 1, nil); err != nil {
			s.fail(err)
		}
		return
	}
	w := s.spawnLocked(ctx, now)
	live++
	if live > s.peak {
		s.peak = live
	}
	stage := s.stage
	s.mu.Unlock()

	s.observer.OnEvent(Event{Kind: WorkerSpawned, Time: now, Elapsed: s.Elapsed(), WorkerID: w.id, Stage: stage, Desired: live, Live: live})

	select {
	case s.slots <- struct{}{}:
	case <-stop:
	}
}

func (s *Scheduler) liveLocked() []*Worker {
	live := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if !w.stopping() {
			live = append(live, w)
		}
	}
	return live
}

func (s *Scheduler) spawnLocked(ctx context.Context, now time.Time) *Worker {
	s.nextID++
	w := newWorker(s.nextID, now)
	s.workers = append(s.workers, w)
	s.spawned++

	s.wg.Add(1)
	go s.runWorker(ctx, w)

	return w
}

func (s *Scheduler) appendHistoryLocked(p Point) {
	if len(s.history) >= s.historyLimit {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, p)
}

// runWorker runs iterations until the worker is asked to stop.
func (s *Scheduler) runWorker(ctx context.Context, w *Worker) {
	defer s.wg.Done()
	defer s.retire(w)

	for {
		if s.slots != nil {
			select {
			case <-w.stopCh:
				return
			case <-s.slots:
			}
		}
		if !w.begin() {
			return
		}
		s.iterate(ctx, w)
		w.end()

		if w.stopping() {
			return
		}
		if s.slots != nil {
			continue
		}

		if pause := s.cfg.ThinkTime.next(); pause > 0 {
			t := time.NewTimer(pause)
			select {
			case <-w.stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context, w *Worker) {
	n := w.iterations.Add(1)
	it := workload.NewIteration(w.id, n, s.data, s.rec)

	start := time.Now()
	err := workload.Call(ctx, s.fn, it)
	took := time.Since(start)

	s.iterations.Add(1)
	tags := it.Tags()

	recErr := multierr.Combine(
		s.rec.Add(metrics.Iterations, 1, tags),
		s.rec.AddDuration(metrics.IterationDuration, took, tags),
		s.rec.AddRate(metrics.IterationSuccess, err == nil, tags),
	)
	if err != nil {
		w.failures.Add(1)
		s.failures.Add(1)
		recErr = multierr.Append(recErr, s.rec.Add(metrics.IterationErrors, 1, tags))
		s.observer.OnEvent(Event{
			Kind:     IterationFailed,
			Time:     time.Now(),
			Elapsed:  s.Elapsed(),
			WorkerID: w.id,
			Err:      err,
		})
	}

	if metricErr := it.Err(); metricErr != nil {
		s.fail(fmt.Errorf("vu %d iteration %d: %w", w.id, n, metricErr))
	}
	if recErr != nil {
		s.fail(recErr)
	}
}

// retire removes an exited worker from the pool.
func (s *Scheduler) retire(w *Worker) {
	w.markStopped()

	s.mu.Lock()
	for i, other := range s.workers {
		if other == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			s.retired++
			break
		}
	}
	live := len(s.liveLocked())
	s.mu.Unlock()

	s.observer.OnEvent(Event{
		Kind:     WorkerStopped,
		Time:     time.Now(),
		Elapsed:  s.Elapsed(),
		WorkerID: w.id,
		Live:     live,
	})
}

// drain stops every worker and waits up to GracefulStop for them to exit.
func (s *Scheduler) drain() error {
	now := time.Now()
	elapsed := s.Elapsed()

	var stopping []int
	s.mu.Lock()
	active := len(s.workers)
	for i := len(s.workers) - 1; i >= 0; i-- {
		if s.workers[i].requestStop() {
			stopping = append(stopping, s.workers[i].id)
		}
	}
	s.mu.Unlock()

	s.observer.OnEvent(Event{Kind: DrainStarted, Time: now, Elapsed: elapsed, Live: active})
	for _, id := range stopping {
		s.observer.OnEvent(Event{Kind: WorkerStopping, Time: now, Elapsed: elapsed, WorkerID: id})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.GracefulStop)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
	}

	// Account the stragglers as stopped; their goroutines finish on their own.
	s.mu.Lock()
	remaining := len(s.workers)
	s.forced += remaining
	s.workers = nil
	s.mu.Unlock()

	s.observer.OnEvent(Event{
		Kind:    DrainDeadlineExceeded,
		Time:    time.Now(),
		Elapsed: s.Elapsed(),
		Live:    remaining,
	})
	return fmt.Errorf("%w: %d workers still running after %s", ErrDeadlineExceeded, remaining, s.cfg.GracefulStop)
}

// fail records a fatal metrics error and aborts the run.
func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.RequestAbort(err.Error())
}

// Err returns the first metrics error raised during the run.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// RequestAbort starts a graceful drain. Only the first reason is kept.
func (s *Scheduler) RequestAbort(reason string) {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.abortReason = reason
		s.mu.Unlock()
		close(s.abortCh)

		s.observer.OnEvent(Event{
			Kind:    AbortRequested,
			Time:    time.Now(),
			Elapsed: s.Elapsed(),
			Reason:  reason,
		})
	})
}

// Aborted reports whether an abort was requested.
func (s *Scheduler) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// AbortReason returns the reason given to the first RequestAbort.
func (s *Scheduler) AbortReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}

// Elapsed returns the time since Run started, frozen once Run returned.
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.startedAt.IsZero():
		return 0
	case !s.finishedAt.IsZero():
		return s.finishedAt.Sub(s.startedAt)
	default:
		return time.Since(s.startedAt)
	}
}

// StartedAt returns when Run started.
func (s *Scheduler) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LiveWorkers returns the number of workers not asked to stop.
func (s *Scheduler) LiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveLocked())
}

// ActiveWorkers returns the number of workers that have not exited,
// including those finishing their last iteration.
func (s *Scheduler) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers returns a view of every worker that has not exited, in spawn order.
func (s *Scheduler) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.info())
	}
	return out
}

// History returns the desired-concurrency changes observed so far.
func (s *Scheduler) History() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, len(s.history))
	copy(out, s.history)
	return out
}

// Stats returns a summary of the run so far.
func (s *Scheduler) Stats() Stats {
	elapsed := s.Elapsed()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Elapsed:    elapsed,
		Ticks:      s.ticks,
		Stage:      s.stage,
		Desired:    s.desired,
		Live:       len(s.liveLocked()),
		Active:     len(s.workers),
		Peak:       s.peak,
		Spawned:    s.spawned,
		Retired:    s.retired,
		Forced:     s.forced,
		Iterations: s.iterations.Load(),
		Failures:   s.failures.Load(),
		Rate:       s.rate,
		Dropped:    s.dropped.Load(),
	}
	if s.stage >= 0 && s.stage < len(s.cfg.Stages) {
		st.StageName = s.cfg.Stages[s.stage].Name
	}
	return st
}
