// Package gpu samples host GPUs through NVML while tests run, for
// emulator-backed runs where the device renders on the host.
package gpu

import (
	"context"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/metric"
	"github.com/jonboulle/clockwork"
)

const (
	KeyPrefix         = "gpu"
	milliWattsToWatts = 1000

	DefaultSampleInterval = time.Second
)

type stats struct {
	samples    int
	maxTemp    uint32
	sumTemp    uint64
	maxPowerMW uint32
	sumUtilPct uint64
}

// Collector reports per GPU temperature, power and utilization over the
// collection window.
type Collector struct {
	backend  Backend
	clock    clockwork.Clock
	log      logger.Logger
	interval time.Duration

	mu      sync.Mutex
	filter  collector.Filter
	devices int
	stats   map[int]*stats
	stop    chan struct{}
	done    chan struct{}
}

var _ collector.Collector[float64] = (*Collector)(nil)

type Option func(*Collector)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Collector) {
		c.log = log
	}
}

func WithInterval(interval time.Duration) Option {
	return func(c *Collector) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

func NewCollector(backend Backend, opts ...Option) *Collector {
	c := &Collector{
		backend:  backend,
		clock:    clockwork.NewRealClock(),
		log:      logger.Component("gpu"),
		interval: DefaultSampleInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start initializes NVML, takes a first sample and starts sampling every
// interval until Stop.
func (c *Collector) Start(ctx context.Context) error {
	errFactory := errors.New()

	c.mu.Lock()
	running := c.stop != nil
	c.mu.Unlock()
	if running {
		return errFactory.New(ErrAlreadyStarted)
	}

	if err := c.backend.Initialize(); err != nil {
		return err
	}

	count, err := c.backend.DeviceCount()
	if err != nil {
		if shutdownErr := c.backend.Shutdown(); shutdownErr != nil {
			c.log.Warn().Err(shutdownErr).Msg("NVML shutdown failed")
		}
		return err
	}
	c.log.Info().Int("devices", count).Dur("interval", c.interval).Msg("Starting GPU sampler")

	c.mu.Lock()
	c.devices = count
	c.stats = make(map[int]*stats, count)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	c.sample()

	ticker := c.clock.NewTicker(c.interval)
	go c.run(ticker, stop, done)

	return nil
}

func (c *Collector) StartWithFilter(ctx context.Context, filter collector.Filter) error {
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()

	return c.Start(ctx)
}

func (c *Collector) run(ticker clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	c.mu.Lock()
	count := c.devices
	c.mu.Unlock()

	for i := 0; i < count; i++ {
		s, err := c.backend.Sample(i)
		if err != nil {
			c.log.Warn().Err(err).Int("device", i).Msg("Failed to sample GPU")
			continue
		}

		c.mu.Lock()
		st, ok := c.stats[i]
		if !ok {
			st = &stats{}
			c.stats[i] = st
		}
		st.samples++
		st.maxTemp = max(st.maxTemp, s.TemperatureC)
		st.sumTemp += uint64(s.TemperatureC)
		st.maxPowerMW = max(st.maxPowerMW, s.PowerMilliWatt)
		st.sumUtilPct += uint64(s.UtilizationPct)
		c.mu.Unlock()
	}
}

// Metrics reports the samples taken since Start or the previous call.
func (c *Collector) Metrics(context.Context) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64)
	for i, st := range c.stats {
		if st.samples == 0 {
			continue
		}
		index := strconv.Itoa(i)
		if c.filter != nil && c.filter(index) {
			continue
		}

		n := float64(st.samples)
		out[metric.ConstructKey(KeyPrefix, index, "max_temperature_c")] = float64(st.maxTemp)
		out[metric.ConstructKey(KeyPrefix, index, "avg_temperature_c")] = float64(st.sumTemp) / n
		out[metric.ConstructKey(KeyPrefix, index, "max_power_w")] = float64(st.maxPowerMW) / milliWattsToWatts
		out[metric.ConstructKey(KeyPrefix, index, "avg_utilization_pct")] = float64(st.sumUtilPct) / n
	}
	c.stats = make(map[int]*stats, c.devices)

	return out, nil
}

// Stop halts the sampler, clears the filter and shuts NVML down.
func (c *Collector) Stop(context.Context) error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.filter = nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}

	close(stop)
	<-done
	c.log.Info().Msg("GPU sampler stopped")

	return c.backend.Shutdown()
}
