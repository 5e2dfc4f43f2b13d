// Package statsd pushes event metric configs to the statsd daemon and
// reads back their reports through "cmd stats".
package statsd

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/shell"
	"github.com/google/uuid"
)

const (
	updateConfigCmd = "cmd stats config update %d"
	dumpReportCmd   = "cmd stats dump-report %d --include_current_bucket --proto"
	removeConfigCmd = "cmd stats config remove %d"
)

const (
	ErrConfigUpdate = errors.ErrorCode("statsd_config_update_failed")
	ErrConfigRemove = errors.ErrorCode("statsd_config_remove_failed")
	ErrDumpReport   = errors.ErrorCode("statsd_dump_report_failed")
	ErrDecodeReport = errors.ErrorCode("statsd_decode_report_failed")
)

// Helper manages a single statsd config at a time.
type Helper struct {
	exec  shell.Executor
	log   logger.Logger
	newID func() int64

	mu       sync.Mutex
	configID int64
}

type Option func(*Helper)

func WithLogger(log logger.Logger) Option {
	return func(h *Helper) {
		h.log = log
	}
}

// WithConfigIDs replaces the random config id generator.
func WithConfigIDs(next func() int64) Option {
	return func(h *Helper) {
		h.newID = next
	}
}

func New(exec shell.Executor, opts ...Option) *Helper {
	h := &Helper{
		exec:  exec,
		log:   logger.Component("statsd"),
		newID: randomConfigID,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

func randomConfigID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) >> 1)
}

// ConfigID returns the id of the pushed config, 0 when none is active.
func (h *Helper) ConfigID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.configID
}

// AddEventConfig pushes a config collecting the given atoms as events. A
// config pushed earlier by this helper is replaced.
func (h *Helper) AddEventConfig(ctx context.Context, atomIDs []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.configID != 0 {
		if err := h.removeLocked(ctx); err != nil {
			h.log.Warn().Err(err).Int64("config_id", h.configID).Msg("Unable to remove previous statsd config")
		}
	}

	id := h.newID()
	payload := EncodeEventConfig(id, atomIDs)
	cmd := fmt.Sprintf(updateConfigCmd, id)

	h.log.Info().Int64("config_id", id).Ints32("atoms", atomIDs).Msg("Adding event config to statsd")
	if _, err := h.exec.RunWithInput(ctx, cmd, payload); err != nil {
		h.log.Error().Err(err).Msg("Unable to push statsd config")
		return errors.New().Wrap(ErrConfigUpdate, err)
	}
	h.configID = id

	return nil
}

// EventMetrics dumps the report of the active config and returns its
// events. Malformed events are logged and skipped. Without an active
// config there is nothing to report and no command is issued.
func (h *Helper) EventMetrics(ctx context.Context) ([]EventMetricData, error) {
	h.mu.Lock()
	id := h.configID
	h.mu.Unlock()

	if id == 0 {
		h.log.Debug().Msg("No statsd config active, nothing to report")
		return nil, nil
	}

	out, err := h.exec.Run(ctx, fmt.Sprintf(dumpReportCmd, id))
	if err != nil {
		return nil, errors.New().Wrap(ErrDumpReport, err)
	}

	events, skipped, err := DecodeEventMetrics([]byte(out))
	if err != nil {
		h.log.Error().Err(err).Int("bytes", len(out)).Msg("Unable to decode statsd report")
		return nil, errors.New().Wrap(ErrDecodeReport, err)
	}
	if skipped > 0 {
		h.log.Warn().Int("skipped", skipped).Msg("Skipped malformed statsd records")
	}
	h.log.Debug().Int("events", len(events)).Msg("Statsd report decoded")

	return events, nil
}

// RemoveConfig removes the active config. It is a no-op when none is
// active.
func (h *Helper) RemoveConfig(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.configID == 0 {
		return nil
	}

	return h.removeLocked(ctx)
}

func (h *Helper) removeLocked(ctx context.Context) error {
	id := h.configID
	h.log.Info().Int64("config_id", id).Msg("Removing statsd config")
	if _, err := h.exec.Check(ctx, fmt.Sprintf(removeConfigCmd, id)); err != nil {
		return errors.New().Wrap(ErrConfigRemove, err)
	}
	h.configID = 0

	return nil
}
