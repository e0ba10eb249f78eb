// Package ratelimit throttles HTTP clients with per-key token buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	defaultIdle  = 10 * time.Minute
	sweepEvery   = time.Minute
	defaultRPS   = 10
	defaultBurst = 20
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per key. Buckets unused for the idle
// period are dropped.
type Limiter struct {
	mu        sync.Mutex
	limits    map[string]*entry
	rps       rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// New creates a Limiter allowing rps requests per second per key with the
// given burst. Non-positive values fall back to 10 rps with a burst of 20.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Limiter{
		limits: make(map[string]*entry),
		rps:    rate.Limit(rps),
		burst:  burst,
		idle:   defaultIdle,
		now:    time.Now,
	}
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepEvery {
		for k, e := range l.limits {
			if now.Sub(e.lastSeen) > l.idle {
				delete(l.limits, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.limits[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limits[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limits)
}

// Middleware rejects requests from clients, identified by their real IP,
// that exceed the limit. onDeny writes the rejection response.
func Middleware(l *Limiter, onDeny func(c echo.Context) error) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l.Allow(c.RealIP()) {
				return next(c)
			}
			return onDeny(c)
		}
	}
}
