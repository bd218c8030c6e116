// ABOUTME: Token-bucket rate limiting per scope for submit, subscribe and auth traffic
// ABOUTME: Buckets live in an expirable LRU so idle scopes are evicted after a TTL

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// ErrRateLimited is matched by every *LimitError.
var ErrRateLimited = errors.New("rate limited")

// Class is a traffic class with its own bucket policy.
type Class int

const (
	Submit Class = iota
	Subscribe
	Auth
	numClasses
)

func (c Class) String() string {
	switch c {
	case Submit:
		return "submit"
	case Subscribe:
		return "subscribe"
	case Auth:
		return "auth"
	default:
		return "unknown"
	}
}

// Policy is a bucket shape. A Capacity of zero disables limiting for the class.
type Policy struct {
	Capacity        int
	RefillPerSecond float64
}

// Config holds one policy per class plus bucket bookkeeping.
type Config struct {
	Submit    Policy
	Subscribe Policy
	Auth      Policy

	// IdleTTL evicts a bucket not used for this long.
	IdleTTL time.Duration
	// MaxBuckets bounds the number of live buckets; zero means unbounded.
	MaxBuckets int
}

// DefaultConfig returns the relay's default limits.
func DefaultConfig() Config {
	return Config{
		Submit:     Policy{Capacity: 20, RefillPerSecond: 2},
		Subscribe:  Policy{Capacity: 20, RefillPerSecond: 1},
		Auth:       Policy{Capacity: 5, RefillPerSecond: 0.2},
		IdleTTL:    10 * time.Minute,
		MaxBuckets: 100000,
	}
}

// LimitError reports which scope ran out of tokens.
type LimitError struct {
	Class      Class
	Scope      string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s, retry in %s", e.Class, e.Scope, e.RetryAfter.Round(time.Millisecond))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Limiter hands out tokens per (class, scope).
type Limiter struct {
	mu       sync.Mutex
	policies [numClasses]Policy
	buckets  *expirable.LRU[string, *rate.Limiter]
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now for refill arithmetic, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. Every enabled policy needs a positive refill rate.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	policies := [numClasses]Policy{Submit: cfg.Submit, Subscribe: cfg.Subscribe, Auth: cfg.Auth}
	for class, p := range policies {
		if p.Capacity > 0 && p.RefillPerSecond <= 0 {
			return nil, fmt.Errorf("%s policy: refill_per_second must be positive", Class(class))
		}
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	l := &Limiter{
		policies: policies,
		buckets:  expirable.NewLRU[string, *rate.Limiter](cfg.MaxBuckets, nil, ttl),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// ConnScope names the bucket scope of a connection.
func ConnScope(connID string) string { return "conn:" + connID }

// PubkeyScope names the bucket scope of an authenticated identity.
func PubkeyScope(pubkey string) string { return "pubkey:" + pubkey }

func bucketKey(class Class, scope string) string {
	return class.String() + "|" + scope
}

// Allow takes one token of class from every scope, or none of them.
// Empty scopes are skipped. On rejection no bucket is charged.
func (l *Limiter) Allow(class Class, scopes ...string) error {
	p := l.policies[class]
	if p.Capacity <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type charge struct {
		key string
		lim *rate.Limiter
	}
	charges := make([]charge, 0, len(scopes))
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		key := bucketKey(class, scope)
		lim, ok := l.buckets.Get(key)
		if !ok {
			lim = rate.NewLimiter(rate.Limit(p.RefillPerSecond), p.Capacity)
		}
		if tokens := lim.TokensAt(now); tokens < 1 {
			return &LimitError{
				Class:      class,
				Scope:      scope,
				RetryAfter: time.Duration((1 - tokens) / p.RefillPerSecond * float64(time.Second)),
			}
		}
		charges = append(charges, charge{key, lim})
	}

	for _, c := range charges {
		c.lim.AllowN(now, 1)
		// Re-adding refreshes the expiry, making the TTL an idle timeout.
		l.buckets.Add(c.key, c.lim)
	}
	return nil
}

// Forget drops every bucket of scope.
func (l *Limiter) Forget(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for class := range numClasses {
		l.buckets.Remove(bucketKey(class, scope))
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
