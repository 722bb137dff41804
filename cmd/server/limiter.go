package main

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// clientLimiters keeps one token bucket per client IP. Buckets unused for
// limiterIdle are dropped.
type clientLimiters struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// clientIP returns the host of r.RemoteAddr, which middleware.RealIP has
// already replaced with the forwarded address when there is one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *clientLimiters) Allow(r *http.Request) bool {
	ip := clientIP(r)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) >= limiterIdle {
		for key, cl := range c.clients {
			if now.Sub(cl.lastSeen) >= limiterIdle {
				delete(c.clients, key)
			}
		}
		c.lastSweep = now
	}
	cl, ok := c.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (c *clientLimiters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
