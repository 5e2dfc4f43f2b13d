// Package collector defines the contract shared by every metric collector.
package collector

import (
	"context"

	"codeberg.org/mutker/perfcollect/internal/testrun"
)

// Filter reports whether a dimension value (such as an interaction name)
// must be left out of the collected metrics.
type Filter func(dimension string) bool

// Collector gathers metrics of type T over a start/stop window.
type Collector[T any] interface {
	// Start begins collection.
	Start(ctx context.Context) error

	// StartWithFilter begins collection and excludes dimensions matching
	// filter from later Metrics calls.
	StartWithFilter(ctx context.Context, filter Filter) error

	// Metrics drains what has been collected so far. It returns an empty
	// map when nothing was collected.
	Metrics(ctx context.Context) (map[string]T, error)

	// Stop undoes Start and clears the filter.
	Stop(ctx context.Context) error
}

// Describer is implemented by collectors that name their artifacts after
// the test or run being collected. It is called before Start.
type Describer interface {
	Describe(desc testrun.Description)
}
