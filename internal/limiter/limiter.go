package limiter

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/michaelbrown/sortarena/internal/metrics"
)

// RateLimiter hands out one token bucket per key. Keys are participant ids
// for socket messages and client addresses for REST calls.
type RateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

// New returns a limiter allowing perSecond events per key with the given
// burst. A non-positive perSecond disables limiting.
func New(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{rate: rate.Limit(perSecond), burst: burst}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	if l, ok := rl.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	l, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.rate, rl.burst))
	return l.(*rate.Limiter)
}

// Allow reports whether key may act now, consuming a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.rate <= 0 {
		return true
	}
	if !rl.get(key).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Forget drops the bucket for key, e.g. when a connection closes.
func (rl *RateLimiter) Forget(key string) {
	rl.limiters.Delete(key)
}

// Middleware limits requests per remote address. Place it after
// middleware.RealIP so proxied clients are told apart.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
