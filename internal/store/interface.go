package store

import (
	"context"
	"time"

	"codeberg.org/mutker/perfcollect/internal/testrun"
)

// Scope tells whether a row belongs to a whole run or to one test.
type Scope string

const (
	ScopeRun  Scope = "run"
	ScopeTest Scope = "test"
)

// Store persists the metrics gathered for test runs.
type Store interface {
	// SaveRecord stores every metric of data under runID.
	SaveRecord(ctx context.Context, runID string, scope Scope, test string, data *testrun.DataRecord) error
	// FinishRun stores the run summary and flushes buffered rows.
	FinishRun(ctx context.Context, run Run) error
	// Records returns the rows stored for runID in insertion order.
	Records(ctx context.Context, runID string) ([]Record, error)
	Close() error
}

// Repository is the storage backend behind a Store.
type Repository interface {
	Insert(rows []Record) error
	InsertRun(run Run) error
	Records(runID string) ([]Record, error)
	Close() error
}

// Record is one stored metric value.
type Record struct {
	RunID      string
	Scope      Scope
	Test       string
	Key        string
	Value      string
	RecordedAt time.Time
}

// Run summarises a finished run.
type Run struct {
	ID           string
	Name         string
	StartedAt    time.Time
	FinishedAt   time.Time
	RunCount     int
	FailureCount int
}
