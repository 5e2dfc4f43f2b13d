// Package device wraps the shell commands used to inspect and configure
// the device under test.
package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/shell"
)

const (
	ErrPropertyFailed = errors.ErrorCode("device_property_failed")
	ErrConfigFailed   = errors.ErrorCode("device_config_failed")
	ErrLogcatFailed   = errors.ErrorCode("device_logcat_failed")
	ErrProcessLookup  = errors.ErrorCode("device_process_lookup_failed")
	ErrKillFailed     = errors.ErrorCode("device_kill_failed")
)

// ProcessFinder looks up the ids of processes with a given name.
type ProcessFinder interface {
	PidsOf(ctx context.Context, name string) ([]int, error)
}

type Device struct {
	exec   shell.Executor
	finder ProcessFinder
	log    logger.Logger
}

type Option func(*Device)

// WithProcessFinder replaces the default "pidof" based lookup.
func WithProcessFinder(finder ProcessFinder) Option {
	return func(d *Device) {
		d.finder = finder
	}
}

func WithLogger(log logger.Logger) Option {
	return func(d *Device) {
		d.log = log
	}
}

func New(exec shell.Executor, opts ...Option) *Device {
	d := &Device{
		exec: exec,
		log:  logger.Component("device"),
	}
	d.finder = &pidofFinder{exec: exec}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Shell exposes the underlying command channel.
func (d *Device) Shell() shell.Executor {
	return d.exec
}

// GetProperty returns the value of a system property, empty when unset.
func (d *Device) GetProperty(ctx context.Context, name string) (string, error) {
	out, err := d.exec.Run(ctx, "getprop "+name)
	if err != nil {
		return "", errors.New().Wrap(ErrPropertyFailed, err)
	}

	return strings.TrimSpace(out), nil
}

// SetProperty sets a system property; an empty value clears it.
func (d *Device) SetProperty(ctx context.Context, name, value string) error {
	if _, err := d.exec.Check(ctx, fmt.Sprintf("setprop %s %s", name, quote(value))); err != nil {
		return errors.New().Wrap(ErrPropertyFailed, err)
	}
	d.log.Debug().Str("property", name).Str("value", value).Msg("Property set")

	return nil
}

// WithProperty sets a property and returns a function restoring its
// previous value.
func (d *Device) WithProperty(ctx context.Context, name, value string) (func(context.Context) error, error) {
	previous, err := d.GetProperty(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := d.SetProperty(ctx, name, value); err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		return d.SetProperty(ctx, name, previous)
	}, nil
}

// SetConfigValue writes a device_config flag.
func (d *Device) SetConfigValue(ctx context.Context, namespace, key, value string) error {
	cmd := fmt.Sprintf("device_config put %s %s %s", namespace, key, value)
	if _, err := d.exec.Check(ctx, cmd); err != nil {
		return errors.New().WithData(ErrConfigFailed, struct {
			Namespace string
			Key       string
			Error     string
		}{
			Namespace: namespace,
			Key:       key,
			Error:     err.Error(),
		})
	}

	return nil
}

// ClearLogcat clears the logcat buffers.
func (d *Device) ClearLogcat(ctx context.Context) error {
	if _, err := d.exec.Check(ctx, "logcat -c"); err != nil {
		return errors.New().Wrap(ErrLogcatFailed, err)
	}

	return nil
}

// DumpLogcat returns the current logcat contents matching filterSpec,
// e.g. "*:S malloc_debug:V".
func (d *Device) DumpLogcat(ctx context.Context, filterSpec string) (string, error) {
	cmd := "logcat -d"
	if filterSpec != "" {
		cmd += " " + filterSpec
	}

	out, err := d.exec.Check(ctx, cmd)
	if err != nil {
		return "", errors.New().Wrap(ErrLogcatFailed, err)
	}

	return out, nil
}

// PidsOf returns the ids of processes named name, nil when none runs.
func (d *Device) PidsOf(ctx context.Context, name string) ([]int, error) {
	return d.finder.PidsOf(ctx, name)
}

// KillProcess kills every process named name. It is not an error when
// none is running.
func (d *Device) KillProcess(ctx context.Context, name string) ([]int, error) {
	pids, err := d.PidsOf(ctx, name)
	if err != nil {
		return nil, err
	}

	for _, pid := range pids {
		if _, err := d.exec.Check(ctx, fmt.Sprintf("kill %d", pid)); err != nil {
			return pids, errors.New().Wrap(ErrKillFailed, err)
		}
	}

	return pids, nil
}

type pidofFinder struct {
	exec shell.Executor
}

func (f *pidofFinder) PidsOf(ctx context.Context, name string) ([]int, error) {
	out, err := f.exec.Run(ctx, "pidof "+name)
	if err != nil {
		return nil, errors.New().Wrap(ErrProcessLookup, err)
	}

	return ParsePids(out)
}

// ParsePids parses whitespace separated process ids.
func ParsePids(out string) ([]int, error) {
	var pids []int
	for _, field := range strings.Fields(out) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.New().WithData(ErrProcessLookup, field)
		}
		pids = append(pids, pid)
	}

	return pids, nil
}

func quote(s string) string {
	if s == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
