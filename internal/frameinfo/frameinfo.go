// Package frameinfo collects per-interaction frame statistics reported by
// the jank monitor through statsd.
package frameinfo

import (
	"context"
	"sync"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/metric"
	"codeberg.org/mutker/perfcollect/internal/statsd"
)

const (
	KeyPrefix           = "cuj"
	SuffixMaxFrameMs    = "max_frame_time_ms"
	jankMonitorNS       = "interaction_jank_monitor"
	nanosPerMillisecond = 1_000_000
)

// ConfigSetter writes device_config flags.
type ConfigSetter interface {
	SetConfigValue(ctx context.Context, namespace, key, value string) error
}

// Statsd is the subset of statsd.Helper the collector needs.
type Statsd interface {
	AddEventConfig(ctx context.Context, atomIDs []int32) error
	EventMetrics(ctx context.Context) ([]statsd.EventMetricData, error)
	RemoveConfig(ctx context.Context) error
}

// Collector reports frame counts of every UI interaction that ended while
// collecting, keyed cuj_<interaction>_<stat>.
type Collector struct {
	device ConfigSetter
	stats  Statsd
	log    logger.Logger

	mu     sync.Mutex
	filter collector.Filter
}

var _ collector.Collector[*metric.Value] = (*Collector)(nil)

func New(device ConfigSetter, stats Statsd, log logger.Logger) *Collector {
	if log == nil {
		log = logger.Component("frameinfo")
	}

	return &Collector{
		device: device,
		stats:  stats,
		log:    log,
	}
}

func (c *Collector) Start(ctx context.Context) error {
	if err := c.enforceSampling(ctx, true); err != nil {
		return err
	}

	c.log.Info().Msg("Adding system interactions config to statsd")

	return c.stats.AddEventConfig(ctx, []int32{statsd.FrameInfoAtomID})
}

func (c *Collector) StartWithFilter(ctx context.Context, filter collector.Filter) error {
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()

	return c.Start(ctx)
}

// enforceSampling toggles the jank monitor and makes it sample every
// interaction.
func (c *Collector) enforceSampling(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}

	if err := c.device.SetConfigValue(ctx, jankMonitorNS, "enabled", value); err != nil {
		return err
	}

	return c.device.SetConfigValue(ctx, jankMonitorNS, "sampling_interval", "1")
}

func (c *Collector) Metrics(ctx context.Context) (map[string]*metric.Value, error) {
	events, err := c.stats.EventMetrics(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()

	record := metric.Record{}
	for _, event := range events {
		if event.AtomID != statsd.FrameInfoAtomID {
			continue
		}

		info, err := statsd.DecodeFrameInfo(event.Payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed frame info atom")
			continue
		}

		interaction := statsd.InteractionName(info.InteractionType)
		if filter != nil && filter(interaction) {
			continue
		}

		record.Add(metric.ConstructKey(KeyPrefix, interaction, "total_frames"), info.TotalFrames)
		record.Add(metric.ConstructKey(KeyPrefix, interaction, "missed_frames"), info.MissedFrames)
		record.Add(metric.ConstructKey(KeyPrefix, interaction, "sf_missed_frames"), info.SFMissedFrames)
		record.Add(metric.ConstructKey(KeyPrefix, interaction, "app_missed_frames"), info.AppMissedFrames)
		record.Add(metric.ConstructKey(KeyPrefix, interaction, SuffixMaxFrameMs), info.MaxFrameTimeNanos/nanosPerMillisecond)
		record.Add(metric.ConstructKey(KeyPrefix, interaction, "max_successive_misses"), info.MaxSuccessiveMissedFrames)
	}

	return record, nil
}

// Stop disables the jank monitor, clears the filter and removes the
// statsd config. Every step runs even if an earlier one fails.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.filter = nil
	c.mu.Unlock()

	samplingErr := c.enforceSampling(ctx, false)
	if samplingErr != nil {
		c.log.Error().Err(samplingErr).Msg("Unable to disable the jank monitor")
	}

	if err := c.stats.RemoveConfig(ctx); err != nil {
		return err
	}
	if samplingErr != nil {
		return errors.New().Wrap(errors.ErrDeviceState, samplingErr)
	}

	return nil
}
