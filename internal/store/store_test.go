package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/testrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "db", "results.db")
	cfg.BatchTimeout = 0

	return cfg
}

func TestRoundTripRun(t *testing.T) {
	s, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	runID := NewRunID()

	testData := testrun.NewDataRecord()
	testData.AddStringMetric("cuj_SHADE_ROW_EXPAND_total_frames", "10,20")
	testData.AddStringMetric("cuj_SHADE_ROW_EXPAND_missed_frames", "1,0")
	runData := testrun.NewDataRecord()
	runData.AddStringMetric("perfetto_file_path", "/sdcard/test_results/run.perfetto-trace")

	require.NoError(t, s.SaveRecord(ctx, runID, ScopeTest, "SystemUiJankTests#testNotificationListPull", testData))
	require.NoError(t, s.SaveRecord(ctx, runID, ScopeRun, "SystemUiJankTests", runData))
	require.NoError(t, s.SaveRecord(ctx, runID, ScopeRun, "SystemUiJankTests", testrun.NewDataRecord()))

	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.FinishRun(ctx, Run{
		ID:         runID,
		Name:       "SystemUiJankTests",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		RunCount:   1,
	}))

	records, err := s.Records(ctx, runID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Keys of one save come back sorted.
	assert.Equal(t, "cuj_SHADE_ROW_EXPAND_missed_frames", records[0].Key)
	assert.Equal(t, "1,0", records[0].Value)
	assert.Equal(t, ScopeTest, records[0].Scope)
	assert.Equal(t, "SystemUiJankTests#testNotificationListPull", records[0].Test)
	assert.Equal(t, ScopeRun, records[2].Scope)
	assert.Equal(t, "/sdcard/test_results/run.perfetto-trace", records[2].Value)

	other, err := s.Records(ctx, NewRunID())
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestBufferedRowsFlushOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1000

	s, err := New(cfg, logger.Nop())
	require.NoError(t, err)

	data := testrun.NewDataRecord()
	data.AddStringMetric("gpu_0_max_power_w", "180.5")
	runID := NewRunID()
	require.NoError(t, s.SaveRecord(context.Background(), runID, ScopeTest, "t", data))
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM records WHERE run_id = ?", runID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSchemaMismatchIsBackedUp(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755))

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	backups, err := filepath.Glob(filepath.Join(filepath.Dir(cfg.DBPath), "backups", "results_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	s, err := New(DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	require.NoError(t, s.SaveRecord(context.Background(), "id", ScopeRun, "t", testrun.NewDataRecord()))
	records, err := s.Records(context.Background(), "id")
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, s.Close())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = ""
	assert.True(t, errors.HasCode(cfg.Validate(), ErrInvalidDBPath))

	cfg = DefaultConfig()
	cfg.BatchSize = -1
	assert.True(t, errors.HasCode(cfg.Validate(), ErrInvalidConfig))
}

func TestSaveRecordRejectsMissingRunID(t *testing.T) {
	s, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	err = s.SaveRecord(context.Background(), "", ScopeTest, "t", testrun.NewDataRecord())
	assert.True(t, errors.HasCode(err, ErrInvalidRecord))
}
