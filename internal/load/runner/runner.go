// Package runner orchestrates one load test: setup, staged execution,
// teardown and threshold evaluation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/vuramp/internal/load/config"
	"github.com/wesleyorama2/vuramp/internal/load/metrics"
	"github.com/wesleyorama2/vuramp/internal/load/report"
	"github.com/wesleyorama2/vuramp/internal/load/scheduler"
	"github.com/wesleyorama2/vuramp/internal/load/threshold"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
	"github.com/wesleyorama2/vuramp/internal/logging"
)

// Exit codes returned by ExitCode.
const (
	ExitPassed           = 0
	ExitRunError         = 1
	ExitThresholdsFailed = 99
)

var (
	// ErrAlreadyRun is returned when Run is called twice.
	ErrAlreadyRun = errors.New("runner already used")
	// ErrSetup wraps a failing or timed out setup.
	ErrSetup = errors.New("setup failed")
	// ErrTeardown wraps a failing or timed out teardown.
	ErrTeardown = errors.New("teardown failed")
	// ErrInterrupted is reported when the run context was cancelled.
	ErrInterrupted = errors.New("run interrupted")
)

// PhaseError ties a lifecycle sentinel to its cause while staying a single
// error, so multierr does not split it into two report entries.
type PhaseError struct {
	Phase error
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%v: %v", e.Phase, e.Err) }

// Is matches the phase sentinel; the cause is reachable through Unwrap.
func (e *PhaseError) Is(target error) bool { return target == e.Phase }

func (e *PhaseError) Unwrap() error { return e.Err }

const defaultProgressInterval = time.Second

// RunContext is the state owned by one run and shared with its workers.
type RunContext struct {
	RunID     string
	Name      string
	Config    *config.TestConfig
	Recorder  *metrics.Recorder
	StartedAt time.Time

	// Data is the value returned by the suite setup. It is set before
	// Running and must be treated as read-only.
	Data any
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Scheduler events are logged through it too.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithObserver adds a scheduler event observer.
func WithObserver(o scheduler.Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *Runner) {
		if id != "" {
			r.rc.RunID = id
		}
	}
}

// WithProgress calls fn every interval while the run is in progress.
func WithProgress(fn func(report.Progress), interval time.Duration) Option {
	return func(r *Runner) {
		r.progress = fn
		if interval > 0 {
			r.progressInterval = interval
		}
	}
}

// WithWatchInterval sets how often abort-on-fail thresholds are checked.
func WithWatchInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.watchInterval = d
		}
	}
}

// WithMetrics declares custom metric kinds after the reserved ones, so
// conflicting uses are rejected by New rather than mid-run.
func WithMetrics(kinds map[string]metrics.Kind) Option {
	return func(r *Runner) {
		for name, kind := range kinds {
			r.custom[name] = kind
		}
	}
}

// reservedMetrics are declared by New before any custom metric.
var reservedMetrics = []struct {
	name string
	kind metrics.Kind
}{
	{metrics.Iterations, metrics.Counter},
	{metrics.IterationErrors, metrics.Counter},
	{metrics.IterationSuccess, metrics.Rate},
	{metrics.IterationDuration, metrics.Trend},
	{metrics.VUs, metrics.Trend},
	{metrics.Checks, metrics.Rate},
	{metrics.DroppedIterations, metrics.Counter},
}

// WithStateHook calls fn on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(r *Runner) {
		r.stateHook = fn
	}
}

// Runner runs one test once.
type Runner struct {
	rc         *RunContext
	suite      workload.Suite
	fn         workload.Func
	schedCfg   scheduler.Config
	thresholds []*threshold.Threshold
	custom     map[string]metrics.Kind

	log              *zap.Logger
	observers        scheduler.Observers
	progress         func(report.Progress)
	progressInterval time.Duration
	watchInterval    time.Duration
	stateHook        func(from, to State)

	state   atomic.Int32
	started atomic.Bool
	tripped atomic.Bool

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

// New validates cfg, parses its thresholds and declares the reserved
// metrics. Every configuration error is returned here, before any load is
// applied.
func New(cfg *config.TestConfig, suite workload.Suite, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runner: invalid config: %w", err)
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	ths, err := cfg.ParseThresholds()
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	mix, err := workload.NewMix(suite.Workloads...)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	r := &Runner{
		rc: &RunContext{
			RunID:    uuid.NewString(),
			Name:     cfg.Name,
			Config:   cfg,
			Recorder: metrics.NewRecorder(),
		},
		suite:      suite,
		fn:         mix.Func(),
		schedCfg:   schedCfg,
		thresholds: ths,
		custom:     map[string]metrics.Kind{},
		log:              zap.NewNop(),
		progressInterval: defaultProgressInterval,
		watchInterval:    threshold.DefaultWatchInterval,
	}
	if r.rc.Name == "" {
		r.rc.Name = config.DefaultName
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, m := range reservedMetrics {
		if err := r.rc.Recorder.Declare(m.name, m.kind); err != nil {
			return nil, fmt.Errorf("runner: %w", err)
		}
	}
	names := make([]string, 0, len(r.custom))
	for name := range r.custom {
		names = append(names, name)
	}
	sort.Strings(names)
	var declErr error
	for _, name := range names {
		declErr = multierr.Append(declErr, r.rc.Recorder.Declare(name, r.custom[name]))
	}
	if declErr != nil {
		return nil, fmt.Errorf("runner: %w", declErr)
	}

	r.log = r.log.With(zap.String("runId", r.rc.RunID), zap.String("test", r.rc.Name))
	return r, nil
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Context returns the run context.
func (r *Runner) Context() *RunContext {
	return r.rc
}

// Stats returns the scheduler statistics; zero before Running.
func (r *Runner) Stats() scheduler.Stats {
	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched == nil {
		return scheduler.Stats{}
	}
	return sched.Stats()
}

func (r *Runner) setState(to State) {
	from := State(r.state.Swap(int32(to)))
	r.log.Info("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if r.stateHook != nil {
		r.stateHook(from, to)
	}
}

// Run executes the test and returns its report. The report is nil only
// when the runner was already used.
//
// The returned error combines setup, teardown, metric and interruption
// errors; threshold failures are reported through the report only. A drain
// that exceeded the graceful stop period is recorded as a warning.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	r.rc.StartedAt = time.Now()
	rep := report.New(r.rc.RunID, r.rc.Name)
	rep.StartTime = r.rc.StartedAt.UTC()
	rep.SetStages(r.schedCfg.Stages)

	var runErr error

	r.setState(SettingUp)
	data, err := callSetup(ctx, r.suite.Setup, setupTimeout(r.rc.Config))
	if err != nil {
		runErr = &PhaseError{Phase: ErrSetup, Err: err}
		r.log.Error("setup failed, skipping load", zap.Error(err))
	} else {
		r.rc.Data = data

		r.setState(Running)
		runErr = r.execute(ctx, data, rep)

		r.setState(TearingDown)
		tdCtx := context.WithoutCancel(ctx)
		if err := callTeardown(tdCtx, r.suite.Teardown, data, teardownTimeout(r.rc.Config)); err != nil {
			r.log.Error("teardown failed", zap.Error(err))
			runErr = multierr.Append(runErr, &PhaseError{Phase: ErrTeardown, Err: err})
		}
	}

	r.setState(Evaluating)
	snap := r.rc.Recorder.Snapshot()
	rep.Metrics = snap.Metrics
	rep.Thresholds = threshold.Evaluate(snap, r.thresholds)
	for _, o := range rep.Thresholds.Failed() {
		r.log.Warn("threshold failed",
			zap.String("metric", o.Metric),
			zap.String("expression", o.Expression),
			zap.Float64("actual", o.Actual),
			zap.String("expected", o.Expected),
			zap.String("error", o.Error),
		)
	}

	for _, e := range multierr.Errors(runErr) {
		rep.AddError(e)
	}
	rep.Passed = rep.Thresholds.Passed && runErr == nil && !r.tripped.Load()
	rep.EndTime = time.Now().UTC()

	r.setState(Done)
	r.log.Info("run finished",
		zap.Bool("passed", rep.Passed),
		zap.Bool("aborted", rep.Aborted),
		zap.Int64("iterations", rep.Iterations),
		zap.String("duration", rep.Duration),
	)
	return rep, runErr
}

// execute runs the scheduler, the threshold watcher and the progress loop.
func (r *Runner) execute(ctx context.Context, data any, rep *report.Report) error {
	observers := append(scheduler.Observers{logging.NewEventLogger(r.log)}, r.observers...)
	sched, err := scheduler.New(r.schedCfg, r.fn,
		scheduler.WithRecorder(r.rc.Recorder),
		scheduler.WithData(data),
		scheduler.WithObserver(observers),
	)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sched = sched
	r.mu.Unlock()

	watcher := threshold.NewWatcher(r.thresholds, r.rc.Recorder.SnapshotOf, r.watchInterval)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return sched.Run(gctx)
	})

	g.Go(func() error {
		return watcher.Run(gctx, func(o threshold.Outcome) {
			r.tripped.Store(true)
			reason := fmt.Sprintf("threshold %q crossed (actual %v)", o.Metric+": "+o.Expression, o.Actual)
			if o.Error != "" {
				reason = fmt.Sprintf("threshold %q crossed (%s)", o.Metric+": "+o.Expression, o.Error)
			}
			r.log.Warn("aborting run", zap.String("reason", reason))
			sched.RequestAbort(reason)
		})
	})

	if r.progress != nil {
		g.Go(func() error {
			r.reportProgress(gctx, sched)
			return nil
		})
	}

	schedErr := g.Wait()

	stats := sched.Stats()
	rep.SetElapsed(sched.Elapsed())
	rep.PeakConcurrency = stats.Peak
	rep.Iterations = stats.Iterations
	rep.FailedIterations = stats.Failures
	rep.History = sched.History()
	rep.Aborted = sched.Aborted()
	rep.AbortReason = sched.AbortReason()
	if stats.Dropped > 0 {
		r.log.Warn("iterations dropped", zap.Int64("dropped", stats.Dropped), zap.Int("maxVUs", sched.Config().MaxWorkers))
		rep.AddWarning("%d iterations dropped: all %d workers were busy", stats.Dropped, sched.Config().MaxWorkers)
	}

	var runErr error
	for _, e := range multierr.Errors(schedErr) {
		if errors.Is(e, scheduler.ErrDeadlineExceeded) {
			r.log.Warn("graceful stop exceeded", zap.Error(e), zap.Int("forced", stats.Forced))
			rep.AddWarning("%v", e)
			continue
		}
		runErr = multierr.Append(runErr, e)
	}
	if ctx.Err() != nil {
		runErr = multierr.Append(runErr, &PhaseError{Phase: ErrInterrupted, Err: ctx.Err()})
	}
	return runErr
}

func (r *Runner) reportProgress(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(r.progressInterval)
	defer ticker.Stop()

	total := r.schedCfg.TotalDuration()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sched.Stats()
			live := r.rc.Recorder.Live(metrics.IterationDuration)
			r.progress(report.Progress{
				Elapsed:      st.Elapsed,
				Total:        total,
				Stage:        st.Stage,
				Stages:       len(r.schedCfg.Stages),
				StageName:    st.StageName,
				Desired:      st.Desired,
				Live:         st.Live,
				Iterations:   st.Iterations,
				Failures:     st.Failures,
				IterationAvg: msToDuration(live.Avg),
				IterationP95: msToDuration(live.P95),
			})
		}
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// ExitCode maps a report to the process exit status: 0 when it passed, 99
// when only thresholds failed and 1 when the run itself failed.
func ExitCode(rep *report.Report) int {
	switch {
	case rep == nil:
		return ExitRunError
	case rep.Passed:
		return ExitPassed
	case len(rep.Errors) > 0:
		return ExitRunError
	default:
		return ExitThresholdsFailed
	}
}

type result[T any] struct {
	val T
	err error
}

// callWithTimeout runs fn and gives up after timeout. A panic in fn is
// returned as an error. fn keeps running in the background if it ignores
// its context past the timeout.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		var res result[T]
		defer func() {
			if p := recover(); p != nil {
				res.err = fmt.Errorf("panic: %v", p)
			}
			done <- res
		}()
		res.val, res.err = fn(ctx)
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res.val, fmt.Errorf("timed out after %s: %w", timeout, res.err)
		}
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("timed out after %s", timeout)
		}
		return zero, ctx.Err()
	}
}

func callSetup(ctx context.Context, setup func(context.Context) (any, error), timeout time.Duration) (any, error) {
	if setup == nil {
		return nil, nil
	}
	return callWithTimeout(ctx, timeout, setup)
}

func callTeardown(ctx context.Context, teardown func(context.Context, any) error, data any, timeout time.Duration) error {
	if teardown == nil {
		return nil
	}
	_, err := callWithTimeout(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, teardown(ctx, data)
	})
	return err
}
