// Package ratelimit provides keyed token buckets. Sensory agents use one
// bucket each to pace their polling; the MCP server uses one per tool.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimited is returned by CheckLimit when a bucket is empty.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a set of token buckets sharing one rate and burst size, one
// bucket per key. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // bucket size and initial tokens
	nowFunc func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a limiter refilling rate tokens per second into
// buckets of burst tokens.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Rate returns the refill rate in tokens per second.
func (l *Limiter) Rate() float64 { return l.rate }

// refill returns key's bucket topped up to now. l.mu must be held.
func (l *Limiter) refill(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+l.rate*elapsed, float64(l.burst))
		b.lastCheck = now
	}
	return b
}

// Allow takes one token from key's bucket, reporting false when it is empty.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key, l.nowFunc())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Delay returns how long until key's bucket holds a token. It is zero when
// a token is available and negative when the rate is zero.
func (l *Limiter) Delay(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key, l.nowFunc())
	if b.tokens >= 1 {
		return 0
	}
	if l.rate <= 0 {
		return -1
	}
	return time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}

// Forget drops key's bucket.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// ToolLimiters maps MCP tool names to their limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters creates the per-tool limits of the MCP server. Reads are
// cheap; anything that takes the NPU lock for a burst or mutates state is
// limited harder.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"npu_status":   NewLimiter(2.0, 10),      // 120/minute, burst 10
		"npu_history":  NewLimiter(1.0, 10),      // 60/minute, burst 10
		"npu_backend":  NewLimiter(1.0, 5),       // 60/minute, burst 5
		"npu_step":     NewLimiter(10.0, 20),     // 600/minute, burst 20
		"npu_inject":   NewLimiter(20.0, 50),     // 1200/minute, burst 50
		"npu_params":   NewLimiter(30.0/60.0, 5), // 30/minute, burst 5
		"npu_snapshot": NewLimiter(5.0/60.0, 2),  // 5/minute, burst 2
	}
}

// CheckLimit takes a token for toolName. Tools without a limiter are
// always allowed.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}
	if !limiter.Allow(toolName) {
		return fmt.Errorf("%s: %w, please try again shortly", toolName, ErrLimited)
	}
	return nil
}
