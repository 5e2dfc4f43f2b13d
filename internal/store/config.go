package store

import (
	"path/filepath"

	"codeberg.org/mutker/perfcollect/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/perfcollect/results.db"

	defaultBatchSize    = 100
	defaultBatchTimeout = 5
)

type Config struct {
	DBPath  string
	Enabled bool

	// BackupDir receives a copy of a database whose schema is replaced.
	// Empty means a "backups" directory next to DBPath.
	BackupDir string

	// BatchSize rows are buffered before a flush; BatchTimeout seconds
	// bound how long a row may stay buffered.
	BatchSize    int
	BatchTimeout int
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		Enabled:      false, // Disabled by default
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the store is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize    int
			BatchTimeout int
		}{
			BatchSize:    c.BatchSize,
			BatchTimeout: c.BatchTimeout,
		})
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
