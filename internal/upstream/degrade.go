package upstream

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
)

// ReadThrough returns the fresh cached value for key, or calls fetch and
// caches its result. When fetch fails with a degradable error and a stale
// value exists, the stale value is returned instead of the error.
func ReadThrough[V any](ctx context.Context, c *cache.Cache[V], key string, logger zerolog.Logger, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := fetch(ctx)
	if err == nil {
		c.Set(key, v)
		return v, nil
	}

	if Degradable(err) {
		if stale, ok := c.GetStale(key); ok {
			logger.Warn().
				Err(err).
				Str("cache", c.Name()).
				Str("key", key).
				Msg("Upstream failed, serving stale cache entry")
			return stale, nil
		}
	}

	var zero V
	return zero, err
}
