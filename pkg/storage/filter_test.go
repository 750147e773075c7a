package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupFilter(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		filter := newLookupFilter(FilterOptions{})
		assert.Nil(t, filter)
		assert.True(t, filter.mayContain("anything"))
		filter.add("anything") // Must not panic on a nil filter.
		filter.reset()
	})
	t.Run("no_false_negatives", func(t *testing.T) {
		filter := newLookupFilter(FilterOptions{Capacity: 1_000, FalsePositiveRate: 0.01})
		for i := range 1_000 {
			filter.add(fmt.Sprintf("key-%d", i))
		}
		for i := range 1_000 {
			assert.True(t, filter.mayContain(fmt.Sprintf("key-%d", i)))
		}
	})
	t.Run("reset", func(t *testing.T) {
		filter := newLookupFilter(FilterOptions{Capacity: 100, FalsePositiveRate: 0.001})
		filter.add("a")
		assert.True(t, filter.mayContain("a"))
		filter.reset()
		assert.False(t, filter.mayContain("a"))
	})
	t.Run("invalid_rate_falls_back", func(t *testing.T) {
		filter := newLookupFilter(FilterOptions{Capacity: 10, FalsePositiveRate: 2})
		assert.Equal(t, 0.01, filter.opts.FalsePositiveRate)
	})
}
