// The bolt driver keeps a bloom filter of every key written through a partition handle so lookups of keys that were
// never written can skip the read transaction. Bloom filters have no false negatives, but they can't forget keys;
// deleted keys keep passing the filter until the partition is dropped and the filter is reset.
// The filter is only sound when this process is the sole writer of the partition.

package storage

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var filterLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storage_filter_lookups_total",
	Help: "Total number of lookups checked against a partition lookup filter.",
}, []string{"result" /* skipped | passed */})

// FilterOptions configures the negative lookup filter; a zero Capacity disables it.
type FilterOptions struct {
	Capacity          uint    // Expected number of distinct keys per partition.
	FalsePositiveRate float64 // Desired false positive rate at Capacity keys.
}

type lookupFilter struct {
	mux    sync.RWMutex
	opts   FilterOptions
	filter *bloom.BloomFilter
}

// newLookupFilter returns nil when the filter is disabled; a nil filter lets every key through.
func newLookupFilter(opts FilterOptions) *lookupFilter {
	if opts.Capacity == 0 {
		return nil
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		opts.FalsePositiveRate = 0.01
	}
	return &lookupFilter{opts: opts, filter: bloom.NewWithEstimates(opts.Capacity, opts.FalsePositiveRate)}
}

func (f *lookupFilter) add(key string) {
	if f == nil {
		return
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.filter.AddString(key)
}

// mayContain reports false only when `key` was definitely never added.
func (f *lookupFilter) mayContain(key string) bool {
	if f == nil {
		return true
	}
	f.mux.RLock()
	defer f.mux.RUnlock()
	if f.filter.TestString(key) {
		filterLookups.WithLabelValues("passed").Inc()
		return true
	}
	filterLookups.WithLabelValues("skipped").Inc()
	return false
}

func (f *lookupFilter) reset() {
	if f == nil {
		return
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.filter.ClearAll()
}
