package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/perfcollect/internal/config"
	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/export"
	"codeberg.org/mutker/perfcollect/internal/listener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "perfcollect.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[device]
transport = "local"

[perfetto]
enabled = true
config_file = "jank.textproto"
text_proto = true
wait_before_stop = "2s"

[frameinfo]
enabled = true
exclude = ["LAUNCHER_QUICK_SWITCH"]

[listener]
per_run = true

[gpu]
enabled = true
sample_interval = "250ms"

[store]
enabled = true
db_path = "/tmp/results.db"

[[tests]]
name = "notification_shade"
command = "am instrument -w com.android.systemui.tests"
iterations = 3

[[tests]]
name = "surfaceflinger_heap"
command = "dumpsys SurfaceFlinger"

[tests.malloc_debug]
options = "backtrace guard"
process = "surfaceflinger"
service = true
`)
	t.Setenv("PERFCOLLECT_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.TransportLocal, cfg.Device.Transport)

	assert.True(t, cfg.Perfetto.Enabled)
	assert.Equal(t, "jank.textproto", cfg.Perfetto.ConfigFile)
	assert.True(t, cfg.Perfetto.TextProto)
	assert.True(t, cfg.Perfetto.BackgroundWait, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.Perfetto.WaitBeforeStop)

	assert.Equal(t, []string{"LAUNCHER_QUICK_SWITCH"}, cfg.FrameInfo.Exclude)
	assert.Equal(t, 250*time.Millisecond, cfg.GPU.SampleInterval)
	assert.Equal(t, "/tmp/results.db", cfg.StoreConfig().DBPath)
	assert.Equal(t, 100, cfg.Store.BatchSize)

	require.Len(t, cfg.Tests, 2)
	assert.Equal(t, 3, cfg.Tests[0].Iterations)
	assert.Equal(t, 1, cfg.Tests[1].Iterations)
	assert.Equal(t, "surfaceflinger", cfg.Tests[1].MallocDebug.Process)
	assert.True(t, cfg.Tests[1].MallocDebug.Service)

	args := cfg.ListenerArgs()
	assert.True(t, args.Bool(listener.CollectPerRun))
	assert.False(t, args.Bool(listener.SkipTestFailureMetrics))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PERFCOLLECT_CONFIG", "")

	cfg, err := config.Load(nil, config.WithConfigFile(writeConfig(t, "")))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.TransportADB, cfg.Device.Transport)
	assert.Equal(t, "adb", cfg.Device.ADBPath)
	assert.False(t, cfg.Perfetto.Enabled)
	assert.Equal(t, "/data/misc/perfetto-traces/", cfg.Perfetto.ConfigRootDir)
	assert.False(t, cfg.Store.Enabled)
	assert.Equal(t, export.DefaultJob, cfg.Export.Job)
	assert.Empty(t, cfg.Tests)
}

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log_level = "warning"

[device]
serial = "from-file"
`)
	t.Setenv("PERFCOLLECT_LOG_LEVEL", "error")

	cfg, err := config.Load([]string{"--config", path, "-s", "emulator-5554"})
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel, "environment overrides the file")
	assert.Equal(t, "emulator-5554", cfg.Device.Serial, "flags override the file")

	cfg, err = config.Load([]string{"--config", path, "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "flags override the environment")
}

func TestShortcutFlagsEnableComponents(t *testing.T) {
	cfg, err := config.Load([]string{
		"--config", writeConfig(t, ""),
		"--db", "/tmp/run.db",
		"--pushgateway", "http://localhost:9091",
	})
	require.NoError(t, err)

	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, "/tmp/run.db", cfg.Store.DBPath)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, "http://localhost:9091", cfg.ExportConfig().PushgatewayURL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "missing.conf")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadUnknownFlag(t *testing.T) {
	_, err := config.Load([]string{"--no-such-flag"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{
			name:    "invalid log level",
			content: `log_level = "verbose"`,
			field:   "log_level",
		},
		{
			name:    "unknown transport",
			content: "[device]\ntransport = \"ssh\"",
			field:   "device.transport",
		},
		{
			name:    "gpu interval",
			content: "[gpu]\nenabled = true\nsample_interval = \"0s\"",
			field:   "gpu.sample_interval",
		},
		{
			name:    "test without command",
			content: "[[tests]]\nname = \"boot\"",
			field:   "tests[0].command",
		},
		{
			name:    "negative iterations",
			content: "[[tests]]\nname = \"boot\"\ncommand = \"true\"\niterations = -1",
			field:   "tests[0].iterations",
		},
		{
			name:    "service without process",
			content: "[[tests]]\nname = \"heap\"\ncommand = \"true\"\n[tests.malloc_debug]\nservice = true",
			field:   "tests[0].malloc_debug.process",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(nil, config.WithConfigFile(writeConfig(t, tt.content)))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

			var verr config.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field())
		})
	}
}

func TestValidateComponentSections(t *testing.T) {
	_, err := config.Load(nil, config.WithConfigFile(writeConfig(t, "[export]\nenabled = true")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	assert.True(t, errors.HasCode(err, export.ErrMissingURL))
}

func TestLogLevel(t *testing.T) {
	assert.True(t, config.LogLevelWarning.IsValid())
	assert.False(t, config.LogLevel("trace").IsValid())
	assert.Equal(t, "info", config.LogLevelInfo.String())
}
