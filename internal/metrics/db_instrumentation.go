package metrics

import (
	"time"
)

// MeasureDBQuery times a storage operation for the db query histogram.
// Intended as a deferred closure:
//
//	defer metrics.MeasureDBQuery(m, "get_transaction", "postgres")()
//
// A nil Metrics is a no-op so stores can run unmetered in tests.
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}

// RecordDBQuery records an already measured duration.
func RecordDBQuery(m *Metrics, operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ObserveDBQuery(operation, backend, duration)
}
