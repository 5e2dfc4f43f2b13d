// Package config loads the harness configuration from a TOML file,
// PERFCOLLECT_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/export"
	"codeberg.org/mutker/perfcollect/internal/gpu"
	"codeberg.org/mutker/perfcollect/internal/listener"
	"codeberg.org/mutker/perfcollect/internal/perfetto"
	"codeberg.org/mutker/perfcollect/internal/pid"
	"codeberg.org/mutker/perfcollect/internal/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/perfcollect.conf"
	DefaultEnvPrefix  = "PERFCOLLECT"
	DefaultLogLevel   = "info"

	TransportADB   = "adb"
	TransportLocal = "local"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	PIDFile   string          `mapstructure:"pid_file"`
	Device    DeviceConfig    `mapstructure:"device"`
	Perfetto  PerfettoConfig  `mapstructure:"perfetto"`
	FrameInfo FrameInfoConfig `mapstructure:"frameinfo"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	GPU       GPUConfig       `mapstructure:"gpu"`
	Store     StoreConfig     `mapstructure:"store"`
	Export    ExportConfig    `mapstructure:"export"`
	Tests     []TestConfig    `mapstructure:"tests"`
}

type DeviceConfig struct {
	// Transport is "adb" to reach a device, or "local" when running on it.
	Transport string `mapstructure:"transport"`
	ADBPath   string `mapstructure:"adb_path"`
	Serial    string `mapstructure:"serial"`
}

type PerfettoConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ConfigRootDir  string        `mapstructure:"config_root_dir"`
	ConfigFile     string        `mapstructure:"config_file"`
	TextProto      bool          `mapstructure:"text_proto"`
	BackgroundWait bool          `mapstructure:"background_wait"`
	OutputDir      string        `mapstructure:"output_dir"`
	WaitBeforeStop time.Duration `mapstructure:"wait_before_stop"`
}

type FrameInfoConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exclude lists interaction names left out of the metrics.
	Exclude []string `mapstructure:"exclude"`
}

type ListenerConfig struct {
	PerRun                 bool `mapstructure:"per_run"`
	SkipTestFailureMetrics bool `mapstructure:"skip_test_failure_metrics"`
}

type GPUConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type StoreConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DBPath       string `mapstructure:"db_path"`
	BackupDir    string `mapstructure:"backup_dir"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"`
}

type ExportConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Job            string        `mapstructure:"job"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// TestConfig is one [[tests]] entry: a shell command run as a test.
type TestConfig struct {
	Name        string            `mapstructure:"name"`
	Class       string            `mapstructure:"class"`
	Command     string            `mapstructure:"command"`
	Iterations  int               `mapstructure:"iterations"`
	MallocDebug MallocDebugConfig `mapstructure:"malloc_debug"`
}

type MallocDebugConfig struct {
	Options string `mapstructure:"options"`
	Process string `mapstructure:"process"`
	Service bool   `mapstructure:"service"`
}

func setDefaults(v *viper.Viper) {
	perfettoDefaults := perfetto.DefaultConfig()
	storeDefaults := store.DefaultConfig()
	exportDefaults := export.DefaultConfig()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("pid_file", pid.DefaultPath())

	v.SetDefault("device.transport", TransportADB)
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.serial", "")

	v.SetDefault("perfetto.enabled", perfettoDefaults.Enabled)
	v.SetDefault("perfetto.config_root_dir", perfettoDefaults.ConfigRootDir)
	v.SetDefault("perfetto.config_file", perfettoDefaults.ConfigFile)
	v.SetDefault("perfetto.text_proto", perfettoDefaults.TextProto)
	v.SetDefault("perfetto.background_wait", true)
	v.SetDefault("perfetto.output_dir", perfettoDefaults.OutputDir)
	v.SetDefault("perfetto.wait_before_stop", perfettoDefaults.WaitBeforeStop)

	v.SetDefault("frameinfo.enabled", false)
	v.SetDefault("frameinfo.exclude", []string{})

	v.SetDefault("listener.per_run", false)
	v.SetDefault("listener.skip_test_failure_metrics", false)

	v.SetDefault("gpu.enabled", false)
	v.SetDefault("gpu.sample_interval", gpu.DefaultSampleInterval)

	v.SetDefault("store.enabled", storeDefaults.Enabled)
	v.SetDefault("store.db_path", storeDefaults.DBPath)
	v.SetDefault("store.backup_dir", storeDefaults.BackupDir)
	v.SetDefault("store.batch_size", storeDefaults.BatchSize)
	v.SetDefault("store.batch_timeout", storeDefaults.BatchTimeout)

	v.SetDefault("export.enabled", exportDefaults.Enabled)
	v.SetDefault("export.pushgateway_url", exportDefaults.PushgatewayURL)
	v.SetDefault("export.job", exportDefaults.Job)
	v.SetDefault("export.timeout", exportDefaults.Timeout)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("perfcollect", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to the configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning or error")
	fs.String("pid-file", "", "Path to the PID file")
	fs.String("transport", TransportADB, "Device transport: adb or local")
	fs.StringP("serial", "s", "", "Serial of the device to use")
	fs.Bool("per-run", false, "Collect once per run instead of per test")
	fs.Bool("skip-test-failure-metrics", false, "Drop metrics of failed tests")
	fs.Bool("perfetto", false, "Record a perfetto trace")
	fs.Bool("frameinfo", false, "Collect UI interaction frame info")
	fs.Bool("gpu", false, "Sample host GPUs")
	fs.String("db", "", "Store results in this SQLite database")
	fs.String("pushgateway", "", "Push numeric metrics to this Pushgateway URL")

	return fs
}

// flagBindings maps configuration keys to flag names.
var flagBindings = map[string]string{
	"log_level":                          "log-level",
	"pid_file":                           "pid-file",
	"device.transport":                   "transport",
	"device.serial":                      "serial",
	"listener.per_run":                   "per-run",
	"listener.skip_test_failure_metrics": "skip-test-failure-metrics",
	"perfetto.enabled":                   "perfetto",
	"frameinfo.enabled":                  "frameinfo",
	"gpu.enabled":                        "gpu",
}

// Load reads the configuration. args are the command line arguments
// without the program name.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	for key, name := range flagBindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	// Shortcut flags that also switch their component on.
	if db, _ := fs.GetString("db"); db != "" {
		v.Set("store.enabled", true)
		v.Set("store.db_path", db)
	}
	if url, _ := fs.GetString("pushgateway"); url != "" {
		v.Set("export.enabled", true)
		v.Set("export.pushgateway_url", url)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	for i := range cfg.Tests {
		if cfg.Tests[i].Iterations == 0 {
			cfg.Tests[i].Iterations = 1
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile reads the file named by --config, WithConfigFile or the
// <prefix>_CONFIG variable. Only the default file may be missing.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o *options) error {
	errFactory := errors.New()

	path, _ := fs.GetString("config")
	if path == "" {
		path = o.configPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errFactory.WithData(errors.ErrReadConfig, struct {
			Path  string
			Error string
		}{
			Path:  path,
			Error: err.Error(),
		})
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errFactory.WithData(errors.ErrReadConfig, struct {
			Path  string
			Error string
		}{
			Path:  path,
			Error: err.Error(),
		})
	}

	return nil
}

// Validate checks every section and returns the first invalid field as a
// ValidationError wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	errFactory := errors.New()
	invalid := func(field string, value interface{}, reason string) error {
		return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{field: field, value: value, reason: reason})
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return invalid("log_level", c.LogLevel, "must be debug, info, warning or error")
	}

	switch c.Device.Transport {
	case TransportADB:
		if c.Device.ADBPath == "" {
			return invalid("device.adb_path", c.Device.ADBPath, "must not be empty")
		}
	case TransportLocal:
	default:
		return invalid("device.transport", c.Device.Transport, "must be adb or local")
	}

	if err := c.PerfettoConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if c.GPU.Enabled && c.GPU.SampleInterval <= 0 {
		return invalid("gpu.sample_interval", c.GPU.SampleInterval, "must be positive")
	}

	if err := c.StoreConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := c.ExportConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	for i, t := range c.Tests {
		field := "tests[" + strconv.Itoa(i) + "]"
		if t.Name == "" {
			return invalid(field+".name", t.Name, "must not be empty")
		}
		if t.Command == "" {
			return invalid(field+".command", t.Command, "must not be empty")
		}
		if t.Iterations < 1 {
			return invalid(field+".iterations", t.Iterations, "must be at least 1")
		}
		if t.MallocDebug.Service && t.MallocDebug.Process == "" {
			return invalid(field+".malloc_debug.process", t.MallocDebug.Process, "required for a service")
		}
	}

	return nil
}

func (c *Config) PerfettoConfig() perfetto.Config {
	return perfetto.Config{
		Enabled:        c.Perfetto.Enabled,
		ConfigRootDir:  c.Perfetto.ConfigRootDir,
		ConfigFile:     c.Perfetto.ConfigFile,
		TextProto:      c.Perfetto.TextProto,
		BackgroundWait: c.Perfetto.BackgroundWait,
		OutputDir:      c.Perfetto.OutputDir,
		WaitBeforeStop: c.Perfetto.WaitBeforeStop,
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Enabled:      c.Store.Enabled,
		DBPath:       c.Store.DBPath,
		BackupDir:    c.Store.BackupDir,
		BatchSize:    c.Store.BatchSize,
		BatchTimeout: c.Store.BatchTimeout,
	}
}

func (c *Config) ExportConfig() export.Config {
	return export.Config{
		Enabled:        c.Export.Enabled,
		PushgatewayURL: c.Export.PushgatewayURL,
		Job:            c.Export.Job,
		Timeout:        c.Export.Timeout,
	}
}

// ListenerArgs renders the listener section as the argument bundle the
// collection listeners read.
func (c *Config) ListenerArgs() listener.Args {
	return listener.Args{
		listener.CollectPerRun:          strconv.FormatBool(c.Listener.PerRun),
		listener.SkipTestFailureMetrics: strconv.FormatBool(c.Listener.SkipTestFailureMetrics),
	}
}
