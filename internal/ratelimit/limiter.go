package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

type window struct {
	count int
	reset time.Time
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	store map[string]*window
}

func NewLimiter(max int, win time.Duration) *Limiter {
	return &Limiter{max: max, window: win, now: time.Now, store: make(map[string]*window)}
}

// Check counts one request against key.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.store[key]
	if !ok || w.reset.Before(now) {
		w = &window{count: 1, reset: now.Add(l.window)}
		l.store[key] = w
		return Result{Allowed: true, Remaining: l.max - 1, Reset: w.reset}
	}
	if w.count >= l.max {
		return Result{Allowed: false, Remaining: 0, Reset: w.reset}
	}
	w.count++
	return Result{Allowed: true, Remaining: l.max - w.count, Reset: w.reset}
}

// Sweep drops expired windows.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, w := range l.store {
		if w.reset.Before(now) {
			delete(l.store, key)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.store)
}

// RunSweeper sweeps every interval until ctx ends.
func RunSweeper(ctx context.Context, interval time.Duration, limiters ...*Limiter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Sweep()
			}
		}
	}
}
