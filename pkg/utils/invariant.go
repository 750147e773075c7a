// Invariants are conditions the code relies on that must hold unless there is a bug in larder itself, e.g. a
// metadata entry whose key differs from the key it is filed under, or a SET with an unknown existence check.
// A violation is logged at error level and counted in `invariants_total`, which is what alerts are built on.
// In test mode (see build.go) a violation panics so tests cannot silently pass over it.
//
// RaiseInvariant does not change control flow outside of test mode; the caller still has to handle the bad case,
// usually with an early return.
//
// Do not raise invariants for failures caused by the outside world: a Redis timeout, a full disk or a value another
// client wrote into a larder hash is an error (or a miss), not a bug.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current number of violations recorded for `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric.WithLabelValues(module, invariantType)))
}

// CounterValue reads the current value of a prometheus counter; it's mostly useful in tests.
func CounterValue(counter prometheus.Counter) float64 {
	metric := &promclient.Metric{}
	if err := counter.Write(metric); err != nil {
		slog.Error("Failed to read counter value.", "error", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}
