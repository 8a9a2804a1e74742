package recommend

import "context"

type skipCacheKey struct{}

// WithSkipCache marks ctx so the resolver recomputes links instead of reading
// the cache. The fresh result is still cached.
func WithSkipCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipCacheKey{}, true)
}

// SkipCache reports whether ctx was marked by WithSkipCache.
func SkipCache(ctx context.Context) bool {
	skip, _ := ctx.Value(skipCacheKey{}).(bool)
	return skip
}
