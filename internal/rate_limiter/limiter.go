// Package ratelimiter provides per-sender admission control for the
// gateway. Message sends are throttled by a sliding window counter; the
// handshake endpoint is guarded separately by a per-IP token bucket.
package ratelimiter

import (
	"context"
	"time"
)

const (
	// DefaultMax is the number of messages a sender may emit per window.
	DefaultMax = 8
	// DefaultWindow is the trailing interval the counter slides over.
	DefaultWindow = 60 * time.Second
)

// Limiter admits or rejects one event for key. A rejected event is not
// recorded. A non-nil error means the backend could not be consulted;
// the returned bool still carries the decision (backends fail open).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
