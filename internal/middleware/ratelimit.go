package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterTTL          = 10 * time.Minute
	limiterCleanupEvery = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool — token bucket на каждый ключ (IP или user_id). Записи, не использовавшиеся limiterTTL, удаляются.
type limiterPool struct {
	mu           sync.Mutex
	m            map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	startCleanup sync.Once
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rate.Limit(rps), burst: burst}
}

func (p *limiterPool) allow(key string) bool {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = time.Now()
	p.mu.Unlock()
	return e.l.Allow()
}

func (p *limiterPool) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupEvery)
	defer ticker.Stop()
	for range ticker.C {
		p.sweep(time.Now().Add(-limiterTTL))
	}
}

func (p *limiterPool) sweep(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// RateLimit ограничивает запросы по IP и по user_id (если Auth уже положил его в контекст). 429 при превышении.
// Лимит на IP вдвое мягче: за одним NAT может сидеть несколько пользователей.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	byUser := newLimiterPool(rps, burst)
	byIP := newLimiterPool(rps*2, burst*2)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !byIP.allow(clientIP(r)) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && !byUser.allow("u:"+userID) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
