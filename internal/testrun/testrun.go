// Package testrun holds the data types a test runner hands to its
// listeners: what is running, how it failed and where metrics go.
package testrun

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Description identifies a test or a whole run.
type Description struct {
	Class     string
	Method    string
	Iteration int
}

// IsRun reports whether d describes a whole run rather than one test.
func (d Description) IsRun() bool {
	return d.Method == ""
}

// DisplayName returns "Class#Method", or the class alone for a run.
func (d Description) DisplayName() string {
	if d.IsRun() {
		return d.Class
	}

	return d.Class + "#" + d.Method
}

// FileName returns a name safe to use as a file name component.
func (d Description) FileName() string {
	name := d.Class
	if !d.IsRun() {
		name += "_" + d.Method
	}
	if d.Iteration > 0 {
		name = fmt.Sprintf("%s_%d", name, d.Iteration)
	}

	return sanitize(name)
}

func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			b[i] = '_'
		}
	}

	return string(b)
}

// Failure describes why a test failed.
type Failure struct {
	Description Description
	Message     string
}

// Result summarises a finished run.
type Result struct {
	RunCount     int
	FailureCount int
	Failures     []Failure
	Duration     time.Duration
}

// WasSuccessful reports whether no test failed.
func (r Result) WasSuccessful() bool {
	return r.FailureCount == 0
}

// DataRecord collects string metrics for one test or one run.
type DataRecord struct {
	mu      sync.Mutex
	metrics map[string]string
}

func NewDataRecord() *DataRecord {
	return &DataRecord{metrics: make(map[string]string)}
}

// AddStringMetric stores value under key, replacing any previous value.
func (d *DataRecord) AddStringMetric(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics[key] = value
}

// Metrics returns a copy of the stored metrics.
func (d *DataRecord) Metrics() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]string, len(d.metrics))
	for k, v := range d.metrics {
		out[k] = v
	}

	return out
}

// Keys returns the stored keys in sorted order.
func (d *DataRecord) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.metrics))
	for k := range d.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Len returns the number of stored metrics.
func (d *DataRecord) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.metrics)
}
