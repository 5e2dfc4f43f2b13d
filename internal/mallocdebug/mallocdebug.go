// Package mallocdebug attaches libc malloc debug to device processes for
// the duration of a test and reports the heap errors it logged.
package mallocdebug

import (
	"context"
	"regexp"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/poll"
	"github.com/jonboulle/clockwork"
)

const (
	OptionsProp = "libc.debug.malloc.options"
	ProgramProp = "libc.debug.malloc.program"

	logcatFilter = "*:S malloc_debug:V"
)

const (
	ErrEnable         = errors.ErrorCode("malloc_debug_enable_failed")
	ErrDisable        = errors.ErrorCode("malloc_debug_disable_failed")
	ErrProcessRunning = errors.ErrorCode("malloc_debug_process_running")
	ErrRestart        = errors.ErrorCode("malloc_debug_restart_failed")
	ErrHeapErrors     = errors.ErrorCode("malloc_debug_errors_found")
)

// DefaultRestartWait bounds how long a killed service may take to return.
var DefaultRestartWait = poll.Options{Attempts: 20, Interval: 500 * time.Millisecond}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^.*HAS A CORRUPTED FRONT GUARD.*$`),
	regexp.MustCompile(`(?m)^.*HAS A CORRUPTED REAR GUARD.*$`),
	regexp.MustCompile(`(?m)^.*USED AFTER FREE.*$`),
	regexp.MustCompile(`(?m)^.*leaked block of size.*$`),
	regexp.MustCompile(`(?m)^.*UNKNOWN POINTER \(free\).*$`),
	regexp.MustCompile(`(?m)^.*HAS INVALID TAG.*$`),
}

// Device is the subset of device.Device the harness drives.
type Device interface {
	GetProperty(ctx context.Context, name string) (string, error)
	WithProperty(ctx context.Context, name, value string) (func(context.Context) error, error)
	ClearLogcat(ctx context.Context) error
	DumpLogcat(ctx context.Context, filterSpec string) (string, error)
	PidsOf(ctx context.Context, name string) ([]int, error)
	KillProcess(ctx context.Context, name string) ([]int, error)
}

// Options selects what malloc debug attaches to.
type Options struct {
	// Options is the value of libc.debug.malloc.options, e.g. "guard".
	Options string
	// Process is the program to attach to. Empty attaches to every process
	// started afterwards.
	Process string
	// Service restarts Process so the running service picks up the
	// options. Otherwise Process must not be running yet.
	Service bool
	// RestartWait bounds the wait for a restarted service.
	RestartWait poll.Options
}

// Session is an active malloc debug attachment. Close must be called.
type Session struct {
	dev   Device
	clock clockwork.Clock
	log   logger.Logger
	opts  Options

	restoreOptions func(context.Context) error
	restoreProgram func(context.Context) error
}

type Option func(*Session)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// Enable sets the malloc debug properties, clears logcat and, for a
// service, restarts it and waits until it runs again. On failure every
// property already set is restored.
func Enable(ctx context.Context, dev Device, opts Options, sessionOpts ...Option) (*Session, error) {
	errFactory := errors.New()

	if opts.Service && opts.Process == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "service process name can't be empty")
	}
	if opts.RestartWait.Attempts == 0 {
		opts.RestartWait = DefaultRestartWait
	}

	s := &Session{
		dev:   dev,
		clock: clockwork.NewRealClock(),
		log:   logger.Component("mallocdebug"),
		opts:  opts,
	}
	for _, opt := range sessionOpts {
		opt(s)
	}

	if opts.Process != "" && !opts.Service {
		pids, err := dev.PidsOf(ctx, opts.Process)
		if err != nil {
			return nil, errFactory.Wrap(ErrEnable, err)
		}
		if len(pids) > 0 {
			return nil, errFactory.WithData(ErrProcessRunning, opts.Process)
		}
	}

	if previous, err := dev.GetProperty(ctx, OptionsProp); err == nil && previous != "" {
		s.log.Warn().Str("property", OptionsProp).Str("value", previous).Msg("Malloc debug options already set")
	}

	if err := s.enable(ctx); err != nil {
		if restoreErr := s.restore(ctx); restoreErr != nil {
			s.log.Error().Err(restoreErr).Msg("Could not reset device state after failing to enable malloc debug")
			return nil, errFactory.WithData(ErrEnable, struct {
				Enable  string
				Restore string
			}{
				Enable:  err.Error(),
				Restore: restoreErr.Error(),
			})
		}

		return nil, errFactory.Wrap(ErrEnable, err)
	}

	s.log.Info().Str("process", opts.Process).Str("options", opts.Options).Msg("Malloc debug enabled")

	return s, nil
}

func (s *Session) enable(ctx context.Context) error {
	var err error

	s.restoreOptions, err = s.dev.WithProperty(ctx, OptionsProp, s.opts.Options)
	if err != nil {
		return err
	}
	s.restoreProgram, err = s.dev.WithProperty(ctx, ProgramProp, s.opts.Process)
	if err != nil {
		return err
	}

	if err := s.dev.ClearLogcat(ctx); err != nil {
		return err
	}

	if s.opts.Service {
		return s.restartService(ctx)
	}

	return nil
}

// restore puts back both properties. A failure on one does not skip the
// other.
func (s *Session) restore(ctx context.Context) error {
	var errs []error
	if s.restoreOptions != nil {
		if err := s.restoreOptions(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.restoreProgram != nil {
		if err := s.restoreProgram(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// restartService kills the service and waits for init to bring it back.
func (s *Session) restartService(ctx context.Context) error {
	if _, err := s.dev.KillProcess(ctx, s.opts.Process); err != nil {
		return err
	}

	err := poll.Until(ctx, s.clock, s.opts.RestartWait, func(ctx context.Context) bool {
		pids, err := s.dev.PidsOf(ctx, s.opts.Process)
		return err == nil && len(pids) > 0
	})
	if err != nil {
		return errors.New().WithData(ErrRestart, s.opts.Process)
	}

	return nil
}

// Close restores the properties, restarts a service without malloc debug
// and returns ErrHeapErrors listing every malloc debug error in logcat.
func (s *Session) Close(ctx context.Context) error {
	errFactory := errors.New()

	if err := s.restore(ctx); err != nil {
		return errFactory.Wrap(ErrDisable, err)
	}

	if s.opts.Service {
		if err := s.restartService(ctx); err != nil {
			s.log.Error().Err(err).Str("process", s.opts.Process).Msg("Could not restart service after disabling malloc debug")
			return err
		}
	}

	logcat, err := s.dev.DumpLogcat(ctx, logcatFilter)
	if err != nil {
		return errFactory.Wrap(ErrDisable, err)
	}

	if found := FindErrors(logcat); len(found) > 0 {
		s.log.Error().Strs("errors", found).Msg("Found malloc debug errors")
		return errFactory.WithData(ErrHeapErrors, found)
	}

	return nil
}

// FindErrors returns every logcat line reporting a malloc debug error,
// grouped by error kind.
func FindErrors(logcat string) []string {
	var found []string
	for _, p := range errorPatterns {
		found = append(found, p.FindAllString(logcat, -1)...)
	}

	return found
}
