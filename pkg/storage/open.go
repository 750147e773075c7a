package storage

import (
	"context"
	"flag"
	"fmt"
)

var (
	driver   = flag.String("storage_driver", "memory", "Storage driver holding cache partitions: memory/bolt/redis.")
	boltPath = flag.String("bolt_path", "./data/larder.db", "Path of the bbolt file used by the bolt driver.")

	redisAddress   = flag.String("redis_address", "localhost:6379", "The host:port of Redis for the redis driver.")
	redisPassword  = flag.String("redis_password", "", "Password used to authenticate with Redis.")
	redisDB        = flag.Int("redis_db", 0, "Redis logical database used by the redis driver.")
	redisKeyPrefix = flag.String("redis_key_prefix", "larder:", "Prefix of the Redis hash holding each partition.")

	filterCapacity = flag.Uint("lookup_filter_capacity", 100_000,
		"Expected keys per partition for the bolt lookup filter; 0 disables the filter.")
	filterFalsePositiveRate = flag.Float64("lookup_filter_false_positive_rate", 0.01,
		"Target false positive rate of the bolt lookup filter.")
)

// OpenFromFlags builds the storage selected by --storage_driver. Must be called after flags are parsed.
func OpenFromFlags(ctx context.Context) (Storage, error) {
	switch *driver {
	case "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(*boltPath, BoltOptions{
			Filter: FilterOptions{Capacity: *filterCapacity, FalsePositiveRate: *filterFalsePositiveRate},
		})
	case "redis":
		return DialRedis(ctx, RedisOptions{
			Address:   *redisAddress,
			Password:  *redisPassword,
			DB:        *redisDB,
			KeyPrefix: *redisKeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver '%s'", *driver)
	}
}
