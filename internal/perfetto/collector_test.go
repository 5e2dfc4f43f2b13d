package perfetto

import (
	"context"
	"testing"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/shell/shelltest"
	"codeberg.org/mutker/perfcollect/internal/testrun"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(fake *shelltest.Fake) *Collector {
	cfg := DefaultConfig()
	cfg.BackgroundWait = true
	cfg.OutputDir = "/sdcard/results"

	return NewCollector(newTestTracer(fake, clockwork.NewFakeClock(), true), cfg)
}

func TestCollectorReportsTracePath(t *testing.T) {
	fake := shelltest.New().Respond("perfetto ", "1234")
	fake.Sequence(procCheck, procAlive, "")
	c := newTestCollector(fake)
	ctx := context.Background()

	c.Describe(testrun.Description{Class: "UiBenchJankTests", Method: "testInflatingListView", Iteration: 1})
	require.NoError(t, c.Start(ctx))

	metrics, err := c.Metrics(ctx)
	require.NoError(t, err)
	want := "/sdcard/results/UiBenchJankTests_testInflatingListView_1.perfetto-trace"
	assert.Equal(t, map[string]string{FilePathMetric: want}, metrics)
	assert.Equal(t, 1, fake.Count("mv "+TmpOutputFile+" "+want))

	// Drained: Stop has nothing left to do.
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, fake.Count("kill "))

	metrics, err = c.Metrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestCollectorStopWithoutMetrics(t *testing.T) {
	fake := shelltest.New().Respond("perfetto ", "1234")
	fake.Sequence(procCheck, procAlive, "")
	c := newTestCollector(fake)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, 1, fake.Count("kill 1234"))
	assert.Equal(t, 1, fake.Count("mv "+TmpOutputFile+" /sdcard/results/run.perfetto-trace"))
}

func TestCollectorStartFailure(t *testing.T) {
	fake := shelltest.New().Respond("perfetto ", "1234")
	c := newTestCollector(fake)

	err := c.StartWithFilter(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrNotRunning))

	metrics, err := c.Metrics(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metrics)
}
