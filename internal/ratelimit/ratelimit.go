// Package ratelimit caps accepted operations per identifier within a fixed
// window. Identifiers are namespaced by the caller, e.g. "ip:1.2.3.4" and
// "email:a@b.c" are tracked independently.
package ratelimit

import (
	"context"
	"time"
)

// Limiter reports whether one more operation for key is allowed. A denied
// check never counts against the window.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
