package ports

import (
	"context"

	"github.com/layer-3/obgate/core"
)

// RateLimiter counts one request for key against quota using fixed minute
// and day windows. Counters are incremented atomically.
type RateLimiter interface {
	Allow(ctx context.Context, key string, quota core.Quota) (core.RateDecision, error)
}
