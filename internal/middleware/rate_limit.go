package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kinsware/handwrite/internal/metrics"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RPS        float64
	Burst      int
	MaxClients int
	IdleTTL    time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RPS: 5, Burst: 10, MaxClients: 10000, IdleTTL: 3 * time.Minute}
}

// RateLimiter keeps one token bucket per client IP. Idle clients expire
// after IdleTTL; the table never holds more than MaxClients entries.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RPS <= 0 {
		cfg.RPS = def.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.IdleTTL),
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.clients.Get(ip)
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)
	}
	// Add refreshes the entry's TTL.
	rl.clients.Add(ip, l)
	return l
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Burst))
		if !rl.limiter(ip).Allow() {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

