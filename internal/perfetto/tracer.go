// Package perfetto drives the perfetto command line tool through a device
// shell: it starts a background tracing session, stops it and moves the
// resulting trace to its destination.
package perfetto

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/poll"
	"codeberg.org/mutker/perfcollect/internal/shell"
	"github.com/jonboulle/clockwork"
)

const (
	// With --background-wait perfetto backgrounds itself only once all data
	// sources are active.
	startBgWaitCmd = "perfetto --background-wait -c %s%s -o %s"
	startCmd       = "perfetto --background -c %s%s -o %s"
	txtProtoArg    = " --txt"
	stopCmd        = "kill %d"
	procExistCmd   = "ls -l /proc/%d/exe"
	removeCmd      = "rm %s"
	moveCmd        = "mv %s %s"
	mkdirCmd       = "mkdir -p %s"

	// TmpOutputFile is where perfetto writes until the trace is moved.
	TmpOutputFile = DefaultConfigRootDir + "trace_output.perfetto-trace"

	startSettleTime = time.Second
	killWaitCount   = 12
	killWaitTime    = 5 * time.Second
)

// Session is one start-to-stop cycle of the perfetto process.
type Session struct {
	ConfigRootDir  string
	ConfigFile     string
	TextProto      bool
	BackgroundWait bool
	PID            int
	OutputFile     string
}

// Tracer owns at most one perfetto session at a time.
type Tracer struct {
	exec  shell.Executor
	clock clockwork.Clock
	log   logger.Logger
	cfg   Config

	mu      sync.Mutex
	session *Session
}

type Option func(*Tracer)

// WithClock replaces the clock used for settle and shutdown waits.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracer) {
		t.clock = clock
	}
}

// WithLogger replaces the component logger.
func WithLogger(log logger.Logger) Option {
	return func(t *Tracer) {
		t.log = log
	}
}

func NewTracer(exec shell.Executor, cfg Config, opts ...Option) *Tracer {
	t := &Tracer{
		exec:  exec,
		clock: clockwork.NewRealClock(),
		log:   logger.Component("perfetto"),
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Session returns a copy of the active session, if any.
func (t *Tracer) Session() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return Session{}, false
	}

	return *t.session, true
}

// Start launches perfetto in the background with configFileName, which must
// live under the configured root directory, and confirms the process is up.
func (t *Tracer) Start(ctx context.Context, configFileName string, isTextProtoConfig bool) error {
	errFactory := errors.New()

	if configFileName == "" {
		t.log.Error().Msg("Perfetto config file name is empty")
		return errFactory.New(ErrMissingConfigFile)
	}
	if t.cfg.ConfigRootDir == "" {
		t.log.Error().Msg("Perfetto trace config root directory is empty")
		return errFactory.New(ErrMissingConfigRoot)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		t.log.Warn().Int("pid", t.session.PID).Msg("Perfetto session already active")
		return errFactory.WithData(ErrSessionActive, t.session.PID)
	}

	sess := &Session{
		ConfigRootDir:  t.cfg.ConfigRootDir,
		ConfigFile:     configFileName,
		TextProto:      isTextProtoConfig,
		BackgroundWait: t.cfg.BackgroundWait,
		OutputFile:     TmpOutputFile,
	}

	out, err := t.exec.Run(ctx, fmt.Sprintf(removeCmd, TmpOutputFile))
	if err != nil {
		t.log.Error().Err(err).Msg("Unable to clean up perfetto output file")
		return errFactory.Wrap(ErrStartFailed, err)
	}
	t.log.Info().Str("output", out).Msg("Perfetto output file cleanup")

	format := startCmd
	if sess.BackgroundWait {
		format = startBgWaitCmd
	}
	cmd := fmt.Sprintf(format, sess.ConfigRootDir, sess.ConfigFile, TmpOutputFile)
	if isTextProtoConfig {
		cmd += txtProtoArg
	}

	t.log.Info().Str("cmd", cmd).Msg("Starting perfetto tracing")
	out, err = t.exec.Run(ctx, cmd)
	if err != nil {
		t.log.Error().Err(err).Msg("Unable to start perfetto tracing")
		return errFactory.Wrap(ErrStartFailed, err)
	}
	t.log.Info().Str("output", out).Msg("Perfetto start command output")

	if trimmed := strings.TrimSpace(out); trimmed != "" {
		pid, err := strconv.Atoi(trimmed)
		if err != nil {
			t.log.Error().Str("output", trimmed).Msg("Perfetto start output is not a process id")
			return errFactory.Wrap(ErrInvalidPID, err)
		}
		sess.PID = pid
	}

	if !sess.BackgroundWait {
		if err := poll.Sleep(ctx, t.clock, startSettleTime); err != nil {
			return errFactory.Wrap(ErrStartFailed, err)
		}
	}

	if !t.isRunning(ctx, sess.PID) {
		t.log.Error().Int("pid", sess.PID).Msg("Perfetto process is not running after start")
		return errFactory.WithData(ErrNotRunning, sess.PID)
	}

	t.session = sess
	t.log.Info().Int("pid", sess.PID).Msg("Perfetto tracing started successfully")

	return nil
}

// Stop waits for wait, stops the active session and moves the trace to
// destinationFile. The session is released once the process is gone, even
// if the move fails; a stop that times out keeps the session so the
// caller may retry.
func (t *Tracer) Stop(ctx context.Context, wait time.Duration, destinationFile string) error {
	errFactory := errors.New()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		t.log.Error().Msg("No perfetto session to stop")
		return errFactory.New(ErrNoSession)
	}

	t.log.Info().Dur("wait", wait).Msg("Waiting before stopping perfetto")
	if err := poll.Sleep(ctx, t.clock, wait); err != nil {
		return errFactory.Wrap(ErrStopFailed, err)
	}

	t.log.Info().Msg("Stopping perfetto")
	if err := t.stopPerfetto(ctx); err != nil {
		t.log.Error().Err(err).Msg("Perfetto failed to stop")
		return err
	}
	t.session = nil

	return t.moveOutput(ctx, destinationFile)
}

// stopPerfetto kills the tracked process and waits up to a minute for it
// to exit.
func (t *Tracer) stopPerfetto(ctx context.Context) error {
	errFactory := errors.New()
	pid := t.session.PID

	t.log.Info().Int("pid", pid).Msg("Killing the perfetto process")
	out, err := t.exec.Run(ctx, fmt.Sprintf(stopCmd, pid))
	if err != nil {
		return errFactory.Wrap(ErrStopFailed, err)
	}
	t.log.Info().Str("output", out).Msg("Perfetto stop command output")

	err = poll.Until(ctx, t.clock, poll.Options{Attempts: killWaitCount, Interval: killWaitTime},
		func(ctx context.Context) bool {
			return !t.isRunning(ctx, pid)
		})
	if errors.HasCode(err, poll.ErrExhausted) {
		return errFactory.Wrap(ErrStopTimeout, err)
	}
	if err != nil {
		return errFactory.Wrap(ErrStopFailed, err)
	}

	t.log.Info().Int("pid", pid).Msg("Perfetto stopped successfully")

	return nil
}

// isRunning reports whether /proc has an entry for pid. Errors count as
// not running.
func (t *Tracer) isRunning(ctx context.Context, pid int) bool {
	out, err := t.exec.Run(ctx, fmt.Sprintf(procExistCmd, pid))
	if err != nil {
		t.log.Error().Err(err).Msg("Not able to check the perfetto status")
		return false
	}
	t.log.Debug().Str("status", out).Int("pid", pid).Msg("Perfetto process status check")

	return out != ""
}

func (t *Tracer) moveOutput(ctx context.Context, destinationFile string) error {
	errFactory := errors.New()

	if destinationFile == "" {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "destination file is empty")
	}

	dir := path.Dir(destinationFile)
	if _, err := t.exec.Check(ctx, fmt.Sprintf(mkdirCmd, dir)); err != nil {
		t.log.Error().Err(err).Str("dir", dir).Msg("Result output directory not created")
		return errFactory.Wrap(ErrCreateDir, err)
	}

	out, err := t.exec.Run(ctx, fmt.Sprintf(moveCmd, TmpOutputFile, destinationFile))
	if err != nil {
		t.log.Error().Err(err).Msg("Unable to move the perfetto trace file")
		return errFactory.Wrap(ErrMoveFailed, err)
	}
	if out != "" {
		t.log.Error().
			Str("from", TmpOutputFile).
			Str("to", destinationFile).
			Str("output", out).
			Msg("Unable to move perfetto output file")

		return errFactory.WithData(ErrMoveFailed, out)
	}

	return nil
}
