package perfetto

import (
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
)

const (
	// DefaultConfigRootDir is the only directory perfetto may read configs
	// from and write traces to.
	DefaultConfigRootDir = "/data/misc/perfetto-traces/"
	defaultConfigFile    = "trace_config.pb"
	defaultOutputDir     = "/sdcard/test_results"
)

type Config struct {
	Enabled        bool
	ConfigRootDir  string
	ConfigFile     string
	TextProto      bool
	BackgroundWait bool
	OutputDir      string
	WaitBeforeStop time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ConfigRootDir: DefaultConfigRootDir,
		ConfigFile:    defaultConfigFile,
		OutputDir:     defaultOutputDir,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	if c.ConfigRootDir == "" {
		return errFactory.New(ErrMissingConfigRoot)
	}
	if c.ConfigFile == "" {
		return errFactory.New(ErrMissingConfigFile)
	}
	if c.OutputDir == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "perfetto output directory is empty")
	}
	if c.WaitBeforeStop < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.WaitBeforeStop)
	}

	return nil
}
