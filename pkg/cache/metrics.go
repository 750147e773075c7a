package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	lookupHit      = "hit"
	lookupMiss     = "miss"
	lookupExpired  = "expired"
	lookupMismatch = "mismatch" // Found, but not decodable as requested.
)

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "The total number of single key cache reads",
	}, []string{
		"op",     // get, get_text, get_blob or has.
		"status", // hit, miss, expired or mismatch.
	})
	expiredEvictionsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_expired_evictions_total",
		Help: "The total number of expired keys removed on read",
	})
)
