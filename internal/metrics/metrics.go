// Package metrics records operational metrics from load jobs behind a small,
// backend-agnostic interface.
//
// A process-wide backend defaults to a no-op so every Record* call is safe
// without configuration. Concrete systems live in subpackages (prompush,
// datadog) and are installed once from the CLI with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the Record* helpers.
const (
	StageTotal    = "load_stage_total"
	StageDuration = "load_stage_duration_seconds"
	RowsTotal     = "load_rows_total"
	CacheTotal    = "cache_fetch_total"
	CacheBytes    = "cache_fetch_bytes"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/size style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error { return current().Flush() }

// RecordStage counts one pipeline stage execution and its duration. outcome
// is the stage's exit code name (Success, Error, Abort, OperationNotRequired).
func RecordStage(job, stage, outcome string, d time.Duration) {
	lbls := Labels{"job": job, "stage": stage, "outcome": outcome}
	b := current()
	b.IncCounter(StageTotal, 1, lbls)
	b.ObserveHistogram(StageDuration, d.Seconds(), lbls)
}

// RecordRows adds delta rows of kind (inserted, updated, deleted, discarded,
// errors, attached) for table.
func RecordRows(job, table, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{"job": job, "table": table, "kind": kind})
}

// RecordCache counts a cache fetch by status (hit, fetched, failed) and, for
// fetched chunks, the bytes written.
func RecordCache(source, status string, bytes int64) {
	b := current()
	lbls := Labels{"source": source, "status": status}
	b.IncCounter(CacheTotal, 1, lbls)
	if bytes > 0 {
		b.ObserveHistogram(CacheBytes, float64(bytes), lbls)
	}
}
