package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIP extracts the client address. X-Forwarded-For and X-Real-IP are
// honoured only when trustForwarded is set; otherwise any caller could pick
// its own rate limit key.
func clientIP(r *http.Request, trustForwarded bool) string {
	if !trustForwarded {
		return remoteIP(r)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// loginLimiter keeps one token bucket per client IP.
type loginLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	rate        rate.Limit
	burst       int
	lastCleanup time.Time
}

// newLoginLimiter returns nil when perSecond is not positive (limiting disabled).
func newLoginLimiter(perSecond float64, burst int) *loginLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &loginLimiter{
		limiters:    make(map[string]*rate.Limiter),
		rate:        rate.Limit(perSecond),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// allow reports whether key may start a login now. When it may not,
// retryAfter is the wait until the next token, rounded up to a second.
func (l *loginLimiter) allow(key string) (ok bool, retryAfter int) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanup()
	limiter, found := l.limiters[key]
	if !found {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	if limiter.Allow() {
		return true, 0
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	secs := int(delay / time.Second)
	if delay%time.Second != 0 {
		secs++
	}
	return false, max(secs, 1)
}

// maybeCleanup drops limiters whose bucket has refilled. Caller holds mu.
func (l *loginLimiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < 5*time.Minute {
		return
	}
	l.lastCleanup = time.Now()
	for key, limiter := range l.limiters {
		if limiter.Tokens() >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
}
