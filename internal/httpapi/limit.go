package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// ipLimiter gives every client address its own token bucket: limit requests
// per window, refilled evenly.
type ipLimiter struct {
	every rate.Limit
	burst int
	clock clock.PassiveClock

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newIPLimiter(limit int, window time.Duration, clk clock.PassiveClock) *ipLimiter {
	return &ipLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		clock:   clk,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.AllowN(l.clock.Now(), 1)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) limitRSVP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
