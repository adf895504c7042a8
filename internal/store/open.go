package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/store/redisstore"
	"github.com/dittolabs/ditto/internal/store/sqlite"
)

// Open creates a Store for the configured persistence kind. The dsn is a
// file path for "file", a database path (or :memory:) for "sqlite", and a
// redis URL for "redis". An empty kind defaults to memory.
func Open(kind, dsn string, clock gateway.Clock) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemory(clock), nil
	case "file":
		if dsn == "" {
			return nil, fmt.Errorf("file store: missing path")
		}
		return OpenFile(dsn, clock)
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		return sqlite.New(dsn)
	case "redis":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return redisstore.New(redis.NewClient(opts), clock), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
