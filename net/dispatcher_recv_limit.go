// This file implements the receive-side admission policies.
package net

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RateLimitPolicy decides whether one inbound message of a protocol id is admitted.
// A policy is shared by every connection carrying that id and must be safe
// for concurrent use.
type RateLimitPolicy interface {
	// Allow reports whether a message received at now is admitted.
	Allow(now time.Time) bool
}

// RejectFunc is run on the connection worker for a message its policy rejected.
type RejectFunc func(s *Session, msg any)

// RateLimitFunc adapts a plain function to RateLimitPolicy.
type RateLimitFunc func(now time.Time) bool

// Allow ...
func (f RateLimitFunc) Allow(now time.Time) bool { return f(now) }

// TokenBucketPolicy admits messages with a token bucket from golang.org/x/time/rate.
// The limiter is swapped atomically, so Reload is safe while traffic flows.
type TokenBucketPolicy struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenBucketPolicy creates a token bucket policy.
//
// Parameters:
// - limit: permits per second
// - burst: the maximum number of permits taken at once
//
// Example usage:
// policy := NewTokenBucketPolicy(100, 10) // 100 messages per second with a burst of 10
func NewTokenBucketPolicy(limit float64, burst int) *TokenBucketPolicy {
	p := &TokenBucketPolicy{}
	p.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return p
}

// Allow consumes one token if available at now.
func (p *TokenBucketPolicy) Allow(now time.Time) bool {
	return p.limiter.Load().AllowN(now, 1)
}

// Reload replaces the bucket. Tokens accumulated by the old bucket are dropped.
func (p *TokenBucketPolicy) Reload(limit float64, burst int) {
	p.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

const noAccept = math.MinInt64

// MinIntervalPolicy rejects a message that arrives sooner than Interval after
// the last accepted one. Rejected messages do not move the window.
type MinIntervalPolicy struct {
	interval time.Duration
	last     atomic.Int64 // unix nanos of the last accepted message
}

// NewMinIntervalPolicy creates a policy enforcing interval between accepted messages.
func NewMinIntervalPolicy(interval time.Duration) *MinIntervalPolicy {
	p := &MinIntervalPolicy{interval: interval}
	p.last.Store(noAccept)
	return p
}

// Interval returns the configured spacing.
func (p *MinIntervalPolicy) Interval() time.Duration { return p.interval }

// Allow ...
func (p *MinIntervalPolicy) Allow(now time.Time) bool {
	n := now.UnixNano()
	for {
		last := p.last.Load()
		if last != noAccept && n-last < int64(p.interval) {
			return false
		}
		if p.last.CompareAndSwap(last, n) {
			return true
		}
	}
}

// FunnelRecvLimiter paces the whole receive path with Uber's leaky bucket.
// Unlike a RateLimitPolicy it never rejects, Take blocks the calling
// connection worker until the next slot.
type FunnelRecvLimiter struct {
	clk     clock.Clock
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelRecvLimiter creates a pacing limiter allowing limit messages per second.
// A nil clk uses the wall clock.
func NewFunnelRecvLimiter(limit int, clk clock.Clock) *FunnelRecvLimiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &FunnelRecvLimiter{clk: clk}
	l.Reload(limit)
	return l
}

// Take blocks until the next message may be processed.
func (l *FunnelRecvLimiter) Take() time.Time {
	return (*l.limiter.Load()).Take()
}

// Reload updates the pacing rate at runtime.
func (l *FunnelRecvLimiter) Reload(limit int) {
	limiter := ratelimit.New(limit, ratelimit.WithClock(l.clk), ratelimit.WithoutSlack)
	l.limiter.Store(&limiter)
}
