package perfetto

import (
	"context"
	"path"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"codeberg.org/mutker/perfcollect/internal/testrun"
)

const (
	// FilePathMetric is the key under which the trace location is reported.
	FilePathMetric = "perfetto_file_path"
	fileExtension  = ".perfetto-trace"
)

// Collector records one perfetto trace per collection window and reports
// where the trace was moved.
type Collector struct {
	tracer *Tracer
	cfg    Config
	desc   testrun.Description
}

var (
	_ collector.Collector[string] = (*Collector)(nil)
	_ collector.Describer         = (*Collector)(nil)
)

func NewCollector(tracer *Tracer, cfg Config) *Collector {
	return &Collector{
		tracer: tracer,
		cfg:    cfg,
		desc:   testrun.Description{Class: "run"},
	}
}

func (c *Collector) Describe(desc testrun.Description) {
	c.desc = desc
}

// Destination returns the path the current window's trace is moved to.
func (c *Collector) Destination() string {
	return path.Join(c.cfg.OutputDir, c.desc.FileName()+fileExtension)
}

func (c *Collector) Start(ctx context.Context) error {
	return c.tracer.Start(ctx, c.cfg.ConfigFile, c.cfg.TextProto)
}

// StartWithFilter starts tracing; traces have no dimensions to filter.
func (c *Collector) StartWithFilter(ctx context.Context, _ collector.Filter) error {
	return c.Start(ctx)
}

// Metrics stops the trace and reports its destination. Once the trace
// has been moved the window is drained and later calls return nothing.
func (c *Collector) Metrics(ctx context.Context) (map[string]string, error) {
	metrics := map[string]string{}
	if _, ok := c.tracer.Session(); !ok {
		return metrics, nil
	}

	dest := c.Destination()
	if err := c.tracer.Stop(ctx, c.cfg.WaitBeforeStop, dest); err != nil {
		return metrics, err
	}
	metrics[FilePathMetric] = dest

	return metrics, nil
}

// Stop ends a trace that Metrics did not drain, for instance when the
// metrics of a failed test are skipped. The trace is still moved.
func (c *Collector) Stop(ctx context.Context) error {
	if _, ok := c.tracer.Session(); !ok {
		return nil
	}

	return c.tracer.Stop(ctx, 0, c.Destination())
}
