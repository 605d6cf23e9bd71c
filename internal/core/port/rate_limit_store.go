package port

import (
	"context"
	"time"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

// SlidingWindowStore performs sliding-window bookkeeping against the shared store.
// Record must purge, count, conditionally insert and refresh TTL as one atomic step.
type SlidingWindowStore interface {
	Record(ctx context.Context, key string, limit int, window time.Duration, nowMicros int64) (domain.WindowState, error)
	Peek(ctx context.Context, key string, window time.Duration, nowMicros int64) (domain.WindowState, error)
	Reset(ctx context.Context, key string) error
}
