// Package runner executes configured shell-command tests and reports their
// lifecycle to listeners, persisting and exporting what they collect.
package runner

import (
	"context"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/export"
	"codeberg.org/mutker/perfcollect/internal/listener"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/mallocdebug"
	"codeberg.org/mutker/perfcollect/internal/shell"
	"codeberg.org/mutker/perfcollect/internal/store"
	"codeberg.org/mutker/perfcollect/internal/testrun"
	"github.com/jonboulle/clockwork"
)

const (
	ErrNoDevice = errors.ErrorCode("runner_no_device")
	ErrPersist  = errors.ErrorCode("runner_persist_failed")
)

// Test is one configured test: a shell command run Iterations times.
type Test struct {
	Name string

	// Class groups tests in their descriptions; empty means the run name.
	Class      string
	Command    string
	Iterations int

	// MallocDebug, when set, wraps every iteration in a malloc debug
	// session.
	MallocDebug *mallocdebug.Options
}

// Report is the outcome of one run.
type Report struct {
	RunID  string
	Result testrun.Result
}

type Runner struct {
	exec      shell.Executor
	device    mallocdebug.Device
	listeners []listener.Listener
	store     store.Store
	exporter  export.Exporter
	clock     clockwork.Clock
	log       logger.Logger
	newRunID  func() string
}

type Option func(*Runner)

func WithDevice(dev mallocdebug.Device) Option {
	return func(r *Runner) {
		r.device = dev
	}
}

// WithListeners appends listeners; they are called in the order given.
func WithListeners(listeners ...listener.Listener) Option {
	return func(r *Runner) {
		r.listeners = append(r.listeners, listeners...)
	}
}

func WithStore(s store.Store) Option {
	return func(r *Runner) {
		r.store = s
	}
}

func WithExporter(e export.Exporter) Option {
	return func(r *Runner) {
		r.exporter = e
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(r *Runner) {
		r.log = log
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(newRunID func() string) Option {
	return func(r *Runner) {
		r.newRunID = newRunID
	}
}

func New(exec shell.Executor, opts ...Option) *Runner {
	r := &Runner{
		exec:     exec,
		exporter: export.Nop(),
		clock:    clockwork.NewRealClock(),
		log:      logger.Component("runner"),
		newRunID: store.NewRunID,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes tests in order under the run name. Test failures are
// reported to listeners and counted in the result; the returned error is
// reserved for cancellation and for metrics that could not be persisted.
func (r *Runner) Run(ctx context.Context, name string, tests []Test) (Report, error) {
	errFactory := errors.New()

	report := Report{RunID: r.newRunID()}
	started := r.clock.Now()
	runDesc := testrun.Description{Class: name}
	runData := testrun.NewDataRecord()

	r.log.Info().Str("run", name).Str("run_id", report.RunID).Int("tests", len(tests)).Msg("Starting test run")

	for _, l := range r.listeners {
		l.OnTestRunStart(ctx, runData, runDesc)
	}

	var persistErr error
	result := &report.Result

tests:
	for _, t := range tests {
		iterations := max(t.Iterations, 1)
		for i := 1; i <= iterations; i++ {
			if ctx.Err() != nil {
				break tests
			}

			desc := testrun.Description{Class: t.Class, Method: t.Name}
			if desc.Class == "" {
				desc.Class = name
			}
			if iterations > 1 {
				desc.Iteration = i
			}

			testData := testrun.NewDataRecord()
			r.runTest(ctx, t, desc, testData, result)

			if err := r.persist(context.WithoutCancel(ctx), report.RunID, store.ScopeTest, desc.DisplayName(), testData); err != nil && persistErr == nil {
				persistErr = err
			}
		}
	}

	result.Duration = r.clock.Since(started)

	// Collectors are stopped and results written out even when the run
	// was cancelled.
	finishCtx := context.WithoutCancel(ctx)
	for _, l := range r.listeners {
		l.OnTestRunEnd(finishCtx, runData, *result)
	}

	if err := r.persist(finishCtx, report.RunID, store.ScopeRun, name, runData); err != nil && persistErr == nil {
		persistErr = err
	}
	if err := r.finish(finishCtx, report, name, started); err != nil && persistErr == nil {
		persistErr = err
	}

	r.log.Info().
		Str("run_id", report.RunID).
		Int("run_count", result.RunCount).
		Int("failure_count", result.FailureCount).
		Dur("duration", result.Duration).
		Msg("Test run finished")

	if err := ctx.Err(); err != nil {
		return report, errFactory.Wrap(errors.ErrRunTests, err)
	}
	if persistErr != nil {
		return report, errFactory.Wrap(ErrPersist, persistErr)
	}

	return report, nil
}

func (r *Runner) runTest(ctx context.Context, t Test, desc testrun.Description, data *testrun.DataRecord, result *testrun.Result) {
	for _, l := range r.listeners {
		l.OnTestStart(ctx, data, desc)
	}

	r.log.Info().Str("test", desc.DisplayName()).Int("iteration", desc.Iteration).Msg("Running test")

	if err := r.execute(ctx, t); err != nil {
		r.log.Warn().Err(err).Str("test", desc.DisplayName()).Msg("Test failed")

		failure := testrun.Failure{Description: desc, Message: err.Error()}
		result.FailureCount++
		result.Failures = append(result.Failures, failure)
		for _, l := range r.listeners {
			l.OnTestFail(ctx, data, desc, failure)
		}
	}

	// The test may have been cancelled; its collectors still stop.
	endCtx := context.WithoutCancel(ctx)
	for _, l := range r.listeners {
		l.OnTestEnd(endCtx, data, desc)
	}
	result.RunCount++
}

// execute runs the test command, inside a malloc debug session when one is
// configured. Heap errors found on close fail the test.
func (r *Runner) execute(ctx context.Context, t Test) error {
	errFactory := errors.New()

	if t.MallocDebug == nil {
		_, err := r.exec.Check(ctx, t.Command)
		return err
	}

	if r.device == nil {
		return errFactory.WithMessage(ErrNoDevice, "malloc debug requires a device")
	}

	session, err := mallocdebug.Enable(ctx, r.device, *t.MallocDebug, mallocdebug.WithClock(r.clock))
	if err != nil {
		return err
	}

	_, runErr := r.exec.Check(ctx, t.Command)
	// Device properties are restored even after cancellation.
	closeErr := session.Close(context.WithoutCancel(ctx))
	if runErr != nil {
		if closeErr != nil {
			r.log.Error().Err(closeErr).Msg("Malloc debug session failed to close")
		}
		return runErr
	}

	return closeErr
}

func (r *Runner) persist(ctx context.Context, runID string, scope store.Scope, test string, data *testrun.DataRecord) error {
	if data.Len() == 0 {
		return nil
	}

	r.exporter.Observe(string(scope), test, data.Metrics())

	if r.store == nil {
		return nil
	}
	if err := r.store.SaveRecord(ctx, runID, scope, test, data); err != nil {
		r.log.Error().Err(err).Str("test", test).Msg("Failed to store metrics")
		return err
	}

	return nil
}

func (r *Runner) finish(ctx context.Context, report Report, name string, started time.Time) error {
	var firstErr error

	if r.store != nil {
		err := r.store.FinishRun(ctx, store.Run{
			ID:           report.RunID,
			Name:         name,
			StartedAt:    started,
			FinishedAt:   r.clock.Now(),
			RunCount:     report.Result.RunCount,
			FailureCount: report.Result.FailureCount,
		})
		if err != nil {
			r.log.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to store run summary")
			firstErr = err
		}
	}

	if err := r.exporter.Push(ctx, report.RunID); err != nil {
		r.log.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to push metrics")
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
