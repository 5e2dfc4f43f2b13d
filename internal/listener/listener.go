// Package listener binds metric collectors to the test lifecycle.
//
// A CollectionListener never fails the test it observes: collector errors
// and panics are logged and the affected metrics are left out.
package listener

import (
	"context"
	"fmt"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/testrun"
)

const (
	// CollectPerRun collects once for the whole run when set to "true",
	// otherwise once per test.
	CollectPerRun = "per_run"
	// SkipTestFailureMetrics drops the metrics of failed tests when set
	// to "true".
	SkipTestFailureMetrics = "skip_test_failure_metrics"
)

type state int

const (
	stateIdle state = iota
	stateCollecting
)

type options struct {
	filterFor func(testrun.Description) collector.Filter
	log       logger.Logger
}

type Option func(*options)

// WithFilter sets the hook deciding which filter, if any, a collection
// window starts with.
func WithFilter(fn func(testrun.Description) collector.Filter) Option {
	return func(o *options) {
		o.filterFor = fn
	}
}

// WithLogger replaces the listener logger.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// CollectionListener drives a Collector from lifecycle callbacks.
type CollectionListener[T any] struct {
	name      string
	collector collector.Collector[T]
	opts      options

	perRun             bool
	skipFailureMetrics bool
	testFailed         bool
	state              state
}

func New[T any](name string, args Args, c collector.Collector[T], opts ...Option) *CollectionListener[T] {
	o := options{
		filterFor: func(testrun.Description) collector.Filter { return nil },
		log:       logger.Component("listener"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &CollectionListener[T]{
		name:               name,
		collector:          c,
		opts:               o,
		perRun:             args.Bool(CollectPerRun),
		skipFailureMetrics: args.Bool(SkipTestFailureMetrics),
	}
}

// Name identifies the listener in logs.
func (l *CollectionListener[T]) Name() string {
	return l.name
}

// Collecting reports whether a collection window is open.
func (l *CollectionListener[T]) Collecting() bool {
	return l.state == stateCollecting
}

func (l *CollectionListener[T]) OnTestRunStart(ctx context.Context, _ *testrun.DataRecord, desc testrun.Description) {
	if l.perRun {
		l.start(ctx, desc)
	}
}

func (l *CollectionListener[T]) OnTestStart(ctx context.Context, _ *testrun.DataRecord, desc testrun.Description) {
	l.testFailed = false
	if !l.perRun {
		l.start(ctx, desc)
	}
}

func (l *CollectionListener[T]) OnTestFail(_ context.Context, _ *testrun.DataRecord, desc testrun.Description, failure testrun.Failure) {
	l.testFailed = true
	l.opts.log.Debug().
		Str("listener", l.name).
		Str("test", desc.DisplayName()).
		Str("failure", failure.Message).
		Msg("Test failed, collection continues")
}

func (l *CollectionListener[T]) OnTestEnd(ctx context.Context, testData *testrun.DataRecord, desc testrun.Description) {
	if l.perRun {
		return
	}

	defer l.stop(ctx)
	defer l.recoverFault("collect metrics")

	if l.shouldSkipFailureTestMetrics() {
		l.opts.log.Info().
			Str("listener", l.name).
			Str("test", desc.DisplayName()).
			Msg("Skipping the metric collection")
		return
	}

	l.collectMetrics(ctx, testData)
}

func (l *CollectionListener[T]) OnTestRunEnd(ctx context.Context, runData *testrun.DataRecord, _ testrun.Result) {
	if !l.perRun {
		return
	}

	defer l.stop(ctx)
	defer l.recoverFault("collect metrics")

	l.collectMetrics(ctx, runData)
}

func (l *CollectionListener[T]) start(ctx context.Context, desc testrun.Description) {
	defer l.recoverFault("start collecting")

	if d, ok := l.collector.(collector.Describer); ok {
		d.Describe(desc)
	}

	l.state = stateCollecting

	var err error
	if filter := l.opts.filterFor(desc); filter != nil {
		err = l.collector.StartWithFilter(ctx, filter)
	} else {
		err = l.collector.Start(ctx)
	}
	if err != nil {
		l.logError(err, "start_collecting")
	}
}

func (l *CollectionListener[T]) stop(ctx context.Context) {
	defer l.recoverFault("stop collecting")

	l.state = stateIdle
	if err := l.collector.Stop(ctx); err != nil {
		l.logError(err, "stop_collecting")
	}
}

func (l *CollectionListener[T]) collectMetrics(ctx context.Context, data *testrun.DataRecord) {
	metrics, err := l.collector.Metrics(ctx)
	if err != nil {
		l.logError(err, "get_metrics")
		return
	}

	for key, value := range metrics {
		data.AddStringMetric(key, fmt.Sprint(value))
	}

	l.opts.log.Debug().
		Str("listener", l.name).
		Int("metrics", len(metrics)).
		Msg("Collected metrics")
}

func (l *CollectionListener[T]) shouldSkipFailureTestMetrics() bool {
	return l.skipFailureMetrics && l.testFailed
}

func (l *CollectionListener[T]) recoverFault(operation string) {
	if r := recover(); r != nil {
		l.opts.log.Error().
			Str("listener", l.name).
			Str("operation", operation).
			Interface("panic", r).
			Msg("Collector fault recovered")
	}
}

func (l *CollectionListener[T]) logError(err error, operation string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		l.opts.log.ErrorWithContext(appErr, l.name, operation).Msg("Metric collection failed")
		return
	}

	l.opts.log.Error().
		Err(err).
		Str("listener", l.name).
		Str("operation", operation).
		Msg("Metric collection failed")
}
