package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"codeberg.org/mutker/perfcollect/internal/config"
	"codeberg.org/mutker/perfcollect/internal/device"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/export"
	"codeberg.org/mutker/perfcollect/internal/frameinfo"
	"codeberg.org/mutker/perfcollect/internal/gpu"
	"codeberg.org/mutker/perfcollect/internal/listener"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/mallocdebug"
	"codeberg.org/mutker/perfcollect/internal/metric"
	"codeberg.org/mutker/perfcollect/internal/perfetto"
	"codeberg.org/mutker/perfcollect/internal/pid"
	"codeberg.org/mutker/perfcollect/internal/procutil"
	"codeberg.org/mutker/perfcollect/internal/runner"
	"codeberg.org/mutker/perfcollect/internal/shell"
	"codeberg.org/mutker/perfcollect/internal/statsd"
	"codeberg.org/mutker/perfcollect/internal/store"
	"codeberg.org/mutker/perfcollect/internal/testrun"
)

const runName = "perfcollect"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		return 1
	}
	// Test commands may write to stdout.
	logger.InitWithWriter(os.Stderr, level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := pid.Write(ctx, cfg.PIDFile); err != nil {
		logger.Error().Err(err).Str("pid_file", cfg.PIDFile).Msg("Failed to acquire PID file")
		return 1
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	if err := run(ctx, cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("Test run failed")
		} else {
			logger.Error().Err(err).Msg("Test run failed")
		}
		return 1
	}

	logger.Info().Msg("Exiting...")

	return 0
}

func run(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()

	tests := runnerTests(cfg.Tests)
	if len(tests) == 0 {
		return errFactory.WithMessage(errors.ErrMissingConfig, "no tests configured")
	}

	exec, dev := newDevice(cfg.Device)

	st, err := store.New(cfg.StoreConfig(), logger.Component("store"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close result store")
		}
	}()

	exp, err := export.New(cfg.ExportConfig(), logger.Component("export"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	r := runner.New(exec,
		runner.WithDevice(dev),
		runner.WithListeners(newListeners(cfg, exec, dev)...),
		runner.WithStore(st),
		runner.WithExporter(exp),
	)

	report, err := r.Run(ctx, runName, tests)
	if err != nil {
		return err
	}

	if !report.Result.WasSuccessful() {
		for _, f := range report.Result.Failures {
			logger.Warn().Str("test", f.Description.DisplayName()).Str("message", f.Message).Msg("Test failed")
		}
		return errFactory.WithData(errors.ErrRunTests, struct {
			RunID    string
			Failures int
		}{
			RunID:    report.RunID,
			Failures: report.Result.FailureCount,
		})
	}

	logger.Info().Str("run_id", report.RunID).Int("tests", report.Result.RunCount).Msg("All tests passed")

	return nil
}

func newDevice(cfg config.DeviceConfig) (shell.Executor, *device.Device) {
	if cfg.Transport == config.TransportLocal {
		exec := shell.Local()
		return exec, device.New(exec, device.WithProcessFinder(procutil.Finder{}))
	}

	exec := shell.ADB(cfg.ADBPath, cfg.Serial)

	return exec, device.New(exec)
}

func newListeners(cfg *config.Config, exec shell.Executor, dev *device.Device) []listener.Listener {
	args := cfg.ListenerArgs()
	var listeners []listener.Listener

	if cfg.Perfetto.Enabled {
		perfettoCfg := cfg.PerfettoConfig()
		tracer := perfetto.NewTracer(exec, perfettoCfg)
		listeners = append(listeners,
			listener.New[string]("perfetto", args, perfetto.NewCollector(tracer, perfettoCfg)))
	}

	if cfg.FrameInfo.Enabled {
		var opts []listener.Option
		if len(cfg.FrameInfo.Exclude) > 0 {
			exclude := collector.Exclude(cfg.FrameInfo.Exclude...)
			opts = append(opts, listener.WithFilter(func(testrun.Description) collector.Filter {
				return exclude
			}))
		}
		fi := frameinfo.New(dev, statsd.New(exec), nil)
		listeners = append(listeners, listener.New[*metric.Value]("frameinfo", args, fi, opts...))
	}

	if cfg.GPU.Enabled {
		gc := gpu.NewCollector(gpu.NVML(), gpu.WithInterval(cfg.GPU.SampleInterval))
		listeners = append(listeners, listener.New[float64]("gpu", args, gc))
	}

	return listeners
}

func runnerTests(tests []config.TestConfig) []runner.Test {
	out := make([]runner.Test, 0, len(tests))
	for _, t := range tests {
		rt := runner.Test{
			Name:       t.Name,
			Class:      t.Class,
			Command:    t.Command,
			Iterations: t.Iterations,
		}
		if t.MallocDebug.Options != "" {
			rt.MallocDebug = &mallocdebug.Options{
				Options: t.MallocDebug.Options,
				Process: t.MallocDebug.Process,
				Service: t.MallocDebug.Service,
			}
		}
		out = append(out, rt)
	}

	return out
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
