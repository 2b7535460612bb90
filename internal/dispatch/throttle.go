package dispatch

import (
	"time"

	"golang.org/x/time/rate"

	"fintrack/internal/cache"
)

// ThrottleConfig admits at most Limit events per Period for one key.
type ThrottleConfig struct {
	Limit  int
	Period time.Duration
	// MaxKeys bounds how many idle buckets are remembered.
	MaxKeys int
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Limit:   10,
		Period:  time.Minute,
		MaxKeys: 10000,
	}
}

// KeyedLimiter keeps one token bucket per key. Buckets idle for longer than two
// periods are forgotten, which is equivalent to a full bucket.
type KeyedLimiter struct {
	buckets *cache.LRUCache[*rate.Limiter]
	every   rate.Limit
	burst   int
}

func NewKeyedLimiter(cfg ThrottleConfig) *KeyedLimiter {
	def := DefaultThrottleConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	return &KeyedLimiter{
		buckets: cache.NewLRUCache[*rate.Limiter](cfg.MaxKeys, 2*cfg.Period),
		every:   rate.Every(cfg.Period / time.Duration(cfg.Limit)),
		burst:   cfg.Limit,
	}
}

func (l *KeyedLimiter) bucket(key string) *rate.Limiter {
	return l.buckets.GetOrCreate(key, func() *rate.Limiter {
		return rate.NewLimiter(l.every, l.burst)
	})
}

// Allow consumes a token for key if one is available.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Admit consumes a token for key without blocking. When none is available it
// returns false and how long until the next one.
func (l *KeyedLimiter) Admit(key string) (bool, time.Duration) {
	r := l.bucket(key).Reserve()
	if !r.OK() {
		return false, time.Duration(float64(time.Second) / float64(l.every))
	}
	d := r.Delay()
	if d <= 0 {
		return true, 0
	}
	r.Cancel()
	return false, d
}

// Buckets exposes the bucket cache for periodic sweeping.
func (l *KeyedLimiter) Buckets() cache.Cleaner {
	return l.buckets
}
