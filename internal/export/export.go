// Package export pushes numeric test metrics to a Prometheus Pushgateway.
package export

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	ErrMissingURL = errors.ErrorCode("export_missing_pushgateway_url")
	ErrPushFailed = errors.ErrorCode("export_push_failed")

	DefaultJob     = "perfcollect"
	DefaultTimeout = 10 * time.Second

	metricName = "perfcollect_test_metric"
)

type Config struct {
	Enabled        bool
	PushgatewayURL string
	Job            string
	Timeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Job:     DefaultJob,
		Timeout: DefaultTimeout,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.PushgatewayURL == "" {
		return errors.New().New(ErrMissingURL)
	}

	return nil
}

// Exporter turns collected metrics into gauges and pushes them once per
// run.
type Exporter interface {
	// Observe records every numeric metric of one test or run.
	Observe(scope, test string, metrics map[string]string)
	// Push sends the observed gauges grouped by runID. Failures are
	// logged and returned.
	Push(ctx context.Context, runID string) error
}

// New returns a Pushgateway exporter, or a no-op one when disabled.
func New(cfg Config, log logger.Logger) (Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled {
		log.Debug().Msg("Metric export disabled, using no-op exporter")
		return Nop(), nil
	}

	if cfg.Job == "" {
		cfg.Job = DefaultJob
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricName,
		Help: "Numeric metric collected for a test or run",
	}, []string{"scope", "test", "key"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(gauges)

	return &pushExporter{
		cfg:      cfg,
		log:      log,
		registry: registry,
		gauges:   gauges,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type pushExporter struct {
	cfg      Config
	log      logger.Logger
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec
	client   *http.Client

	mu       sync.Mutex
	observed int
}

func (e *pushExporter) Observe(scope, test string, metrics map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, raw := range metrics {
		value, ok := Numeric(raw)
		if !ok {
			continue
		}
		e.gauges.WithLabelValues(scope, test, key).Set(value)
		e.observed++
	}
}

func (e *pushExporter) Push(ctx context.Context, runID string) error {
	e.mu.Lock()
	observed := e.observed
	e.mu.Unlock()

	if observed == 0 {
		e.log.Debug().Msg("No numeric metrics to push")
		return nil
	}

	pusher := push.New(e.cfg.PushgatewayURL, e.cfg.Job).
		Gatherer(e.registry).
		Grouping("run_id", runID).
		Client(e.client)

	if err := pusher.PushContext(ctx); err != nil {
		e.log.Error().Err(err).Str("url", e.cfg.PushgatewayURL).Msg("Failed to push metrics")
		return errors.New().Wrap(ErrPushFailed, err)
	}

	e.log.Info().Int("metrics", observed).Str("run_id", runID).Msg("Metrics pushed")

	return nil
}

// Numeric parses a metric value. A value accumulated over several
// samples yields their mean.
func Numeric(raw string) (float64, bool) {
	parts := strings.Split(raw, metric.ValueSeparator)

	var sum float64
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, false
		}
		sum += v
	}

	return sum / float64(len(parts)), true
}

type nopExporter struct{}

// Nop returns an Exporter that drops everything.
func Nop() Exporter {
	return nopExporter{}
}

func (nopExporter) Observe(string, string, map[string]string) {}

func (nopExporter) Push(context.Context, string) error {
	return nil
}
