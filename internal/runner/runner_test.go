package runner_test

import (
	"context"
	"fmt"
	"testing"

	"codeberg.org/mutker/perfcollect/internal/device"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/listener"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/mallocdebug"
	"codeberg.org/mutker/perfcollect/internal/perfetto"
	"codeberg.org/mutker/perfcollect/internal/runner"
	"codeberg.org/mutker/perfcollect/internal/shell"
	"codeberg.org/mutker/perfcollect/internal/shell/shelltest"
	"codeberg.org/mutker/perfcollect/internal/store"
	"codeberg.org/mutker/perfcollect/internal/testrun"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder logs every callback and adds one metric per test and run.
type recorder struct {
	events []string
}

func (r *recorder) OnTestRunStart(_ context.Context, _ *testrun.DataRecord, desc testrun.Description) {
	r.events = append(r.events, "run_start "+desc.DisplayName())
}

func (r *recorder) OnTestStart(_ context.Context, _ *testrun.DataRecord, desc testrun.Description) {
	r.events = append(r.events, fmt.Sprintf("start %s %d", desc.DisplayName(), desc.Iteration))
}

func (r *recorder) OnTestFail(_ context.Context, _ *testrun.DataRecord, desc testrun.Description, _ testrun.Failure) {
	r.events = append(r.events, "fail "+desc.DisplayName())
}

func (r *recorder) OnTestEnd(_ context.Context, data *testrun.DataRecord, desc testrun.Description) {
	data.AddStringMetric("duration_ms", "12")
	r.events = append(r.events, "end "+desc.DisplayName())
}

func (r *recorder) OnTestRunEnd(_ context.Context, data *testrun.DataRecord, result testrun.Result) {
	data.AddStringMetric("gpu_0_max_power_w", "41.5")
	r.events = append(r.events, fmt.Sprintf("run_end %d/%d", result.FailureCount, result.RunCount))
}

type savedRecord struct {
	scope   store.Scope
	test    string
	metrics map[string]string
}

type fakeStore struct {
	saved   []savedRecord
	runs    []store.Run
	saveErr error
}

func (s *fakeStore) SaveRecord(_ context.Context, _ string, scope store.Scope, test string, data *testrun.DataRecord) error {
	s.saved = append(s.saved, savedRecord{scope: scope, test: test, metrics: data.Metrics()})
	return s.saveErr
}

func (s *fakeStore) FinishRun(_ context.Context, run store.Run) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) Records(context.Context, string) ([]store.Record, error) {
	return nil, nil
}

func (s *fakeStore) Close() error {
	return nil
}

type fakeExporter struct {
	observed []string
	pushed   []string
}

func (e *fakeExporter) Observe(scope, test string, _ map[string]string) {
	e.observed = append(e.observed, scope+" "+test)
}

func (e *fakeExporter) Push(_ context.Context, runID string) error {
	e.pushed = append(e.pushed, runID)
	return nil
}

func newRunner(fake *shelltest.Fake, opts ...runner.Option) *runner.Runner {
	opts = append([]runner.Option{
		runner.WithLogger(logger.Nop()),
		runner.WithRunIDs(func() string { return "run-1" }),
	}, opts...)

	return runner.New(fake, opts...)
}

func TestRunDispatchOrder(t *testing.T) {
	fake := shelltest.New().
		Fail("am instrument -e class Pull", &shell.CommandError{Command: "pull", ExitCode: 1})
	rec := &recorder{}
	st := &fakeStore{}
	exp := &fakeExporter{}

	r := newRunner(fake, runner.WithListeners(rec), runner.WithStore(st), runner.WithExporter(exp))
	report, err := r.Run(context.Background(), "SystemUiJankTests", []runner.Test{
		{Name: "testNotificationShade", Command: "am instrument -e class Shade", Iterations: 2},
		{Name: "testNotificationPull", Class: "PullTests", Command: "am instrument -e class Pull"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run_start SystemUiJankTests",
		"start SystemUiJankTests#testNotificationShade 1",
		"end SystemUiJankTests#testNotificationShade",
		"start SystemUiJankTests#testNotificationShade 2",
		"end SystemUiJankTests#testNotificationShade",
		"start PullTests#testNotificationPull 0",
		"fail PullTests#testNotificationPull",
		"end PullTests#testNotificationPull",
		"run_end 1/3",
	}, rec.events)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 3, report.Result.RunCount)
	assert.Equal(t, 1, report.Result.FailureCount)
	require.Len(t, report.Result.Failures, 1)
	assert.Contains(t, report.Result.Failures[0].Message, "exited with status 1")
	assert.Equal(t, 2, fake.Count("am instrument -e class Shade"))
}

func TestRunPersistsAndExports(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := &fakeStore{}
	exp := &fakeExporter{}

	r := newRunner(shelltest.New(),
		runner.WithListeners(&recorder{}),
		runner.WithStore(st),
		runner.WithExporter(exp),
		runner.WithClock(clock))
	_, err := r.Run(context.Background(), "BootTests", []runner.Test{{Name: "testColdBoot", Command: "true"}})
	require.NoError(t, err)

	require.Len(t, st.saved, 2)
	assert.Equal(t, store.ScopeTest, st.saved[0].scope)
	assert.Equal(t, "BootTests#testColdBoot", st.saved[0].test)
	assert.Equal(t, map[string]string{"duration_ms": "12"}, st.saved[0].metrics)
	assert.Equal(t, store.ScopeRun, st.saved[1].scope)
	assert.Equal(t, "BootTests", st.saved[1].test)

	require.Len(t, st.runs, 1)
	assert.Equal(t, store.Run{
		ID:         "run-1",
		Name:       "BootTests",
		StartedAt:  clock.Now(),
		FinishedAt: clock.Now(),
		RunCount:   1,
	}, st.runs[0])

	assert.Equal(t, []string{"test BootTests#testColdBoot", "run BootTests"}, exp.observed)
	assert.Equal(t, []string{"run-1"}, exp.pushed)
}

func TestRunSkipsEmptyRecords(t *testing.T) {
	st := &fakeStore{}
	exp := &fakeExporter{}

	r := newRunner(shelltest.New(), runner.WithStore(st), runner.WithExporter(exp))
	_, err := r.Run(context.Background(), "BootTests", []runner.Test{{Name: "testColdBoot", Command: "true"}})
	require.NoError(t, err)

	assert.Empty(t, st.saved)
	assert.Empty(t, exp.observed)
	assert.Len(t, st.runs, 1)
	assert.Equal(t, []string{"run-1"}, exp.pushed)
}

func TestRunReportsStoreFailure(t *testing.T) {
	st := &fakeStore{saveErr: fmt.Errorf("database is locked")}

	r := newRunner(shelltest.New(), runner.WithListeners(&recorder{}), runner.WithStore(st))
	report, err := r.Run(context.Background(), "BootTests", []runner.Test{{Name: "testColdBoot", Command: "true"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, runner.ErrPersist))
	assert.Equal(t, 1, report.Result.RunCount)
	assert.Len(t, st.saved, 2, "a failed save does not stop the run")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := shelltest.New().On("first", func(string) (string, error) {
		cancel()
		return "", nil
	})
	rec := &recorder{}
	st := &fakeStore{}

	r := newRunner(fake, runner.WithListeners(rec), runner.WithStore(st))
	report, err := r.Run(ctx, "Suite", []runner.Test{
		{Name: "a", Command: "first"},
		{Name: "b", Command: "second"},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrRunTests))
	assert.Equal(t, 1, report.Result.RunCount)
	assert.Equal(t, 0, fake.Count("second"))
	assert.Equal(t, "run_end 0/1", rec.events[len(rec.events)-1])
	assert.Len(t, st.runs, 1, "a cancelled run is still recorded")
}

func TestRunCancelledStillStopsTracing(t *testing.T) {
	tests := []struct {
		name string
		args listener.Args
	}{
		{name: "per test", args: listener.Args{}},
		{name: "per run", args: listener.Args{listener.CollectPerRun: "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			fake := shelltest.New().
				Respond("perfetto ", "1234\n").
				On("am instrument", func(string) (string, error) {
					cancel()
					return "", nil
				})
			fake.Sequence("ls -l /proc/1234/exe", "lrwxrwxrwx 1 root root 0 exe -> /system/bin/perfetto\n", "")

			cfg := perfetto.DefaultConfig()
			cfg.Enabled = true
			cfg.BackgroundWait = true
			tracer := perfetto.NewTracer(fake, cfg,
				perfetto.WithClock(clockwork.NewFakeClock()),
				perfetto.WithLogger(logger.Nop()))
			l := listener.New[string]("perfetto", tt.args, perfetto.NewCollector(tracer, cfg),
				listener.WithLogger(logger.Nop()))

			r := newRunner(fake, runner.WithListeners(l))
			_, err := r.Run(ctx, "SystemUiJankTests", []runner.Test{
				{Name: "testNotificationShade", Command: "am instrument -e class Shade"},
			})
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrRunTests))

			assert.Equal(t, 1, fake.Count("kill 1234"))
			assert.Equal(t, 1, fake.Count("mv "+perfetto.TmpOutputFile))
			_, active := tracer.Session()
			assert.False(t, active)
		})
	}
}

func TestRunCancelledRestoresMallocDebug(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := shelltest.New().On("screenrecord", func(string) (string, error) {
		cancel()
		return "", nil
	})
	dev := device.New(fake, device.WithLogger(logger.Nop()))

	r := newRunner(fake, runner.WithDevice(dev))
	_, err := r.Run(ctx, "HeapTests", []runner.Test{{
		Name:        "testScreenrecord",
		Command:     "screenrecord --time-limit 1 /sdcard/out.mp4",
		MallocDebug: &mallocdebug.Options{Options: "guard", Process: "screenrecord"},
	}})
	require.Error(t, err)

	assert.Equal(t, 1, fake.Count("setprop libc.debug.malloc.options ''"))
	assert.Equal(t, 1, fake.Count("setprop libc.debug.malloc.program ''"))
	assert.Equal(t, 1, fake.Count("logcat -d"))
}

func TestRunWithMallocDebug(t *testing.T) {
	fake := shelltest.New().
		Respond("logcat -d", "E malloc_debug: +++ ALLOCATION 0x7a1b2c3d4e50 SIZE 16 HAS A CORRUPTED FRONT GUARD\n")
	dev := device.New(fake, device.WithLogger(logger.Nop()))
	rec := &recorder{}

	r := newRunner(fake, runner.WithDevice(dev), runner.WithListeners(rec))
	report, err := r.Run(context.Background(), "HeapTests", []runner.Test{{
		Name:        "testScreenrecord",
		Command:     "screenrecord --time-limit 1 /sdcard/out.mp4",
		MallocDebug: &mallocdebug.Options{Options: "guard", Process: "screenrecord"},
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Result.FailureCount)
	assert.Contains(t, rec.events, "fail HeapTests#testScreenrecord")
	assert.Equal(t, 1, fake.Count("setprop libc.debug.malloc.options 'guard'"))
	assert.Equal(t, 1, fake.Count("screenrecord --time-limit"))
	assert.Equal(t, 1, fake.Count("logcat -d"))
}

func TestRunMallocDebugWithoutDevice(t *testing.T) {
	fake := shelltest.New()

	r := newRunner(fake)
	report, err := r.Run(context.Background(), "HeapTests", []runner.Test{{
		Name:        "testScreenrecord",
		Command:     "screenrecord",
		MallocDebug: &mallocdebug.Options{Options: "guard", Process: "screenrecord"},
	}})
	require.NoError(t, err)

	require.Len(t, report.Result.Failures, 1)
	assert.Contains(t, report.Result.Failures[0].Message, "malloc debug requires a device")
	assert.Equal(t, 0, fake.Count("screenrecord"))
}
