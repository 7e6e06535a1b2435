// Package ratelimit provides the per-client-IP token bucket the listener
// set applies to inbound queries, adapted from the teacher repository's
// internal/engine rate limiter.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	QueriesPerSecond float64       // default 100
	BurstSize        int           // default 200
	CleanupInterval  time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.QueriesPerSecond <= 0 {
		c.QueriesPerSecond = 100
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 200
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

// Limiter tracks one token bucket per client IP.
type Limiter struct {
	mu          sync.Mutex
	perIP       map[string]*rate.Limiter
	qps         rate.Limit
	burst       int
	cleanupEvery time.Duration
	lastCleanup time.Time
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		perIP:        make(map[string]*rate.Limiter),
		qps:          rate.Limit(cfg.QueriesPerSecond),
		burst:        cfg.BurstSize,
		cleanupEvery: cfg.CleanupInterval,
		lastCleanup:  time.Now(),
	}
}

// Allow reports whether a query from ip should proceed.
func (l *Limiter) Allow(ip net.IP) bool {
	key := ip.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > l.cleanupEvery {
		l.perIP = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}

	lim, ok := l.perIP[key]
	if !ok {
		lim = rate.NewLimiter(l.qps, l.burst)
		l.perIP[key] = lim
	}
	return lim.Allow()
}

// TrackedClients returns the number of distinct client IPs currently
// holding a bucket, for the periodic stats printer.
func (l *Limiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}
