// Package admission rejects callers that repeat an operation faster than the
// operation's minimum interval.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// ErrRateLimited is returned when the caller is inside the operation's window.
var ErrRateLimited = types.NewError(types.ErrRateLimited, "too many requests from this address")

// Controller decides whether a request may proceed.
type Controller interface {
	// Admit returns nil if the request is admitted, ErrRateLimited otherwise.
	Admit(ctx context.Context, caller, operation string) error
}

type windowKey struct {
	caller    string
	operation string
}

// Limiter enforces a minimum interval between two admitted requests of the
// same operation from the same caller. Rejected requests do not move the
// window.
type Limiter struct {
	mu        sync.Mutex
	last      map[windowKey]time.Time
	intervals map[string]time.Duration
	fallback  time.Duration
	now       func() time.Time
}

var _ Controller = (*Limiter)(nil)

// NewLimiter builds a limiter from {operation: minIntervalMillis}. Operations
// not listed use defaultMillis; zero disables limiting for them.
func NewLimiter(intervalsMillis map[string]int64, defaultMillis int64) *Limiter {
	l := &Limiter{
		last:      make(map[windowKey]time.Time),
		intervals: make(map[string]time.Duration, len(intervalsMillis)),
		fallback:  time.Duration(defaultMillis) * time.Millisecond,
		now:       time.Now,
	}
	for op, ms := range intervalsMillis {
		l.intervals[op] = time.Duration(ms) * time.Millisecond
	}
	return l
}

// Interval returns the minimum interval configured for operation.
func (l *Limiter) Interval(operation string) time.Duration {
	if d, ok := l.intervals[operation]; ok {
		return d
	}
	return l.fallback
}

func (l *Limiter) Admit(_ context.Context, caller, operation string) error {
	interval := l.Interval(operation)
	if interval <= 0 {
		return nil
	}

	key := windowKey{caller: caller, operation: operation}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return ErrRateLimited
	}
	l.last[key] = now
	return nil
}

// Sweep drops windows that can no longer reject anything.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, last := range l.last {
		if now.Sub(last) >= l.Interval(key.operation) {
			delete(l.last, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}
