package api

import (
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client token bucket to the endpoints it wraps.
// Clients are keyed by remote IP.
type RateLimiter struct {
	log     *zap.Logger
	perSec  rate.Limit
	burst   int
	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing perSec requests per second with
// the given burst per client.
func NewRateLimiter(perSec float64, burst int, log *zap.Logger) *RateLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		log:     log,
		perSec:  rate.Limit(perSec),
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

// Middleware wraps a handler with the rate limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.obtain(clientID(r)).Allow() {
			rl.log.Warn("rate limited", zap.String("client", clientID(r)), zap.String("path", r.URL.Path))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.clients[id]; ok {
		return l
	}
	l := rate.NewLimiter(rl.perSec, rl.burst)
	rl.clients[id] = l
	return l
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
