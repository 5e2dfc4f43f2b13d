package listener

import (
	"context"

	"codeberg.org/mutker/perfcollect/internal/testrun"
)

// Listener receives test lifecycle callbacks from a runner. Callbacks are
// invoked synchronously, in order, on the runner's goroutine.
type Listener interface {
	OnTestRunStart(ctx context.Context, runData *testrun.DataRecord, desc testrun.Description)
	OnTestStart(ctx context.Context, testData *testrun.DataRecord, desc testrun.Description)
	OnTestFail(ctx context.Context, testData *testrun.DataRecord, desc testrun.Description, failure testrun.Failure)
	OnTestEnd(ctx context.Context, testData *testrun.DataRecord, desc testrun.Description)
	OnTestRunEnd(ctx context.Context, runData *testrun.DataRecord, result testrun.Result)
}

// Args is the string argument bundle a listener is configured from.
type Args map[string]string

// Bool reports whether key is set to exactly "true".
func (a Args) Bool(key string) bool {
	return a[key] == "true"
}
