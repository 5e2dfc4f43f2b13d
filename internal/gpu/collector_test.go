package gpu

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	count     int
	readings  map[int][]Sample
	failIndex int
	inits     int
	shutdowns int
	sampled   chan int
}

func newFakeBackend(readings map[int][]Sample) *fakeBackend {
	return &fakeBackend{
		count:     len(readings),
		readings:  readings,
		failIndex: -1,
		sampled:   make(chan int, 64),
	}
}

func (f *fakeBackend) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeBackend) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeBackend) DeviceCount() (int, error) {
	return f.count, nil
}

func (f *fakeBackend) Sample(index int) (Sample, error) {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.sampled <- index
	}()

	if index == f.failIndex {
		return Sample{}, fmt.Errorf("GPU is lost")
	}
	queue := f.readings[index]
	s := queue[0]
	if len(queue) > 1 {
		f.readings[index] = queue[1:]
	}

	return s, nil
}

func (f *fakeBackend) waitSamples(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sampled:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for sample %d", i)
		}
	}
}

func newTestCollector(b Backend, clock clockwork.Clock) *Collector {
	return NewCollector(b, WithClock(clock), WithLogger(logger.Nop()), WithInterval(time.Second))
}

func TestCollectorAggregatesSamples(t *testing.T) {
	backend := newFakeBackend(map[int][]Sample{
		0: {
			{TemperatureC: 60, PowerMilliWatt: 120_000, UtilizationPct: 50},
			{TemperatureC: 70, PowerMilliWatt: 180_500, UtilizationPct: 90},
		},
	})
	clock := clockwork.NewFakeClock()
	c := newTestCollector(backend, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	backend.waitSamples(t, 1)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	backend.waitSamples(t, 1)

	got, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"gpu_0_max_temperature_c":   70,
		"gpu_0_avg_temperature_c":   65,
		"gpu_0_max_power_w":         180.5,
		"gpu_0_avg_utilization_pct": 70,
	}, got)

	got, err = c.Metrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "metrics are drained")

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, backend.inits)
	assert.Equal(t, 1, backend.shutdowns)
}

func TestCollectorSkipsFailingDevice(t *testing.T) {
	backend := newFakeBackend(map[int][]Sample{
		0: {{TemperatureC: 40}},
		1: {{TemperatureC: 50}},
	})
	backend.failIndex = 1
	c := newTestCollector(backend, clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	got, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Contains(t, got, "gpu_0_max_temperature_c")
	require.NoError(t, c.Stop(ctx))
}

func TestCollectorFilterAndRestart(t *testing.T) {
	backend := newFakeBackend(map[int][]Sample{
		0: {{TemperatureC: 40}},
		1: {{TemperatureC: 50}},
	})
	c := newTestCollector(backend, clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, c.StartWithFilter(ctx, collector.Exclude("0")))
	err := c.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrAlreadyStarted))

	got, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(50), got["gpu_1_max_temperature_c"])
	assert.NotContains(t, got, "gpu_0_max_temperature_c")

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, backend.shutdowns)

	require.NoError(t, c.Start(ctx))
	got, err = c.Metrics(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 8)
	require.NoError(t, c.Stop(ctx))
}
