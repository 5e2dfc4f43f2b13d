// Package store persists test run metrics in SQLite.
package store

import (
	"context"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
	"codeberg.org/mutker/perfcollect/internal/testrun"
	"github.com/google/uuid"
)

type service struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

// No-op implementation
type noopStore struct{}

// NewRunID returns a unique id for a run.
func NewRunID() string {
	return uuid.NewString()
}

func New(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the store is disabled, return a no-op store
	if !cfg.Enabled {
		log.Debug().Msg("Result storage disabled, using no-op store")
		return &noopStore{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create results repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Result storage initialized successfully")

	return NewWithRepository(repo, cfg), nil
}

// NewWithRepository wraps an existing repository.
func NewWithRepository(repo Repository, cfg Config) Store {
	return &service{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
}

func (s *service) SaveRecord(ctx context.Context, runID string, scope Scope, test string, data *testrun.DataRecord) error {
	errFactory := errors.New()

	if runID == "" || data == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	metrics := data.Metrics()
	if len(metrics) == 0 {
		return nil
	}

	now := s.now()
	rows := make([]Record, 0, len(metrics))
	for _, key := range data.Keys() {
		rows = append(rows, Record{
			RunID:      runID,
			Scope:      scope,
			Test:       test,
			Key:        key,
			Value:      metrics[key],
			RecordedAt: now,
		})
	}

	if err := s.repo.Insert(rows); err != nil {
		return errFactory.Wrap(ErrSaveFailed, err)
	}

	return nil
}

func (s *service) FinishRun(ctx context.Context, run Run) error {
	errFactory := errors.New()

	if run.ID == "" {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if err := s.repo.InsertRun(run); err != nil {
		return errFactory.Wrap(ErrSaveFailed, err)
	}

	return nil
}

func (s *service) Records(ctx context.Context, runID string) ([]Record, error) {
	select {
	case <-ctx.Done():
		return nil, errors.New().Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Records(runID)
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}
	return nil
}

// No-op implementation
func (*noopStore) SaveRecord(context.Context, string, Scope, string, *testrun.DataRecord) error {
	return nil
}

func (*noopStore) FinishRun(context.Context, Run) error {
	return nil
}

func (*noopStore) Records(context.Context, string) ([]Record, error) {
	return nil, nil
}

func (*noopStore) Close() error {
	return nil
}
