package llm

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultBudgetWindow is how long a token allowance lasts before it resets.
const DefaultBudgetWindow = 24 * time.Hour

type usage struct {
	count     int
	lastReset time.Time
}

// Budget tracks token usage per caller key over a rolling daily window.
type Budget struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	usage map[string]*usage

	tokens metric.Int64Counter
}

func NewBudget(limit int, window time.Duration, now func() time.Time) *Budget {
	if window <= 0 {
		window = DefaultBudgetWindow
	}
	if now == nil {
		now = time.Now
	}
	b := &Budget{limit: limit, window: window, now: now, usage: make(map[string]*usage)}
	b.tokens, _ = otel.Meter("github.com/romatekai/romatek-voice/llm").Int64Counter(
		"llm.tokens.used", metric.WithDescription("Tokens consumed through the responses proxy"))
	return b
}

func (b *Budget) Limit() int { return b.limit }

func (b *Budget) entry(key string) *usage {
	now := b.now()
	u, ok := b.usage[key]
	if !ok || now.Sub(u.lastReset) >= b.window {
		u = &usage{lastReset: now}
		b.usage[key] = u
	}
	return u
}

// Exceeded reports whether key has already used more than its allowance.
func (b *Budget) Exceeded(key string) (bool, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.entry(key)
	return u.count > b.limit, u.count, u.lastReset.Add(b.window)
}

// Add records tokens against key and returns the new total and the reset time.
func (b *Budget) Add(key string, tokens int) (int, time.Time) {
	b.mu.Lock()
	u := b.entry(key)
	u.count += tokens
	count, reset := u.count, u.lastReset.Add(b.window)
	b.mu.Unlock()

	if b.tokens != nil && tokens > 0 {
		b.tokens.Add(context.Background(), int64(tokens), metric.WithAttributes(attribute.String("key", key)))
	}
	return count, reset
}

// NearLimit reports whether count has crossed 90% of the allowance.
func (b *Budget) NearLimit(count int) bool {
	return float64(count) > float64(b.limit)*0.9
}
