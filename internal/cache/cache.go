// Package cache is the expendable read-through copy of posts used by the
// by-id read path. Values are opaque strings; entries never expire and are
// never invalidated.
package cache

import (
	"context"
	"strconv"
)

// Store is a string key/value cache. A miss is (_, false, nil), not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key with no expiry.
	Set(ctx context.Context, key, value string) error
	Ping(ctx context.Context) error
	Close() error
}

// PostKey returns the cache key for a post id: the decimal id, optionally
// prefixed.
func PostKey(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}
