package ratelimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxHosts bounds how many per-host buckets are remembered.
const DefaultMaxHosts = 4096

// Limiter throttles tunnel handshake attempts per remote host using token
// buckets. The least recently seen hosts are forgotten once MaxHosts is hit.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// New creates a limiter allowing perSecond attempts per host with the given
// burst. perSecond <= 0 returns nil, and a nil *Limiter allows everything.
func New(perSecond float64, burst, maxHosts int) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, nil
	}
	if burst < 1 {
		burst = 1
	}
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	cache, err := lru.New[string, *rate.Limiter](maxHosts)
	if err != nil {
		return nil, err
	}
	return &Limiter{buckets: cache, limit: rate.Limit(perSecond), burst: burst}, nil
}

// Allow reports whether host may attempt a handshake now, consuming a token if so.
func (l *Limiter) Allow(host string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets.Get(host)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(host, bucket)
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Hosts returns the number of hosts currently tracked.
func (l *Limiter) Hosts() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}
