package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides per-IP fixed-window rate limiting. Report
// submissions come from arbitrary browsers, so the limiter keeps a single
// client from flooding the report table. Expired entries are cleaned up
// periodically.
type RateLimiter struct {
	mu          sync.Mutex
	visitors    map[netip.Addr]*visitor
	rate        int           // max requests per window
	window      time.Duration // time window
	trusted     []netip.Prefix
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type visitor struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter that allows rate requests per window
// per client address.
//
// trusted lists reverse proxies whose X-Forwarded-For headers are honoured.
// If empty, only RemoteAddr is used.
func NewRateLimiter(rate int, window time.Duration, trusted []netip.Prefix) *RateLimiter {
	rl := &RateLimiter{
		visitors:    make(map[netip.Addr]*visitor),
		rate:        rate,
		window:      window,
		trusted:     trusted,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop terminates the background cleanup goroutine. Call on server shutdown.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Limit wraps a handler and rejects requests that exceed the rate limit.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(rl.window.Round(time.Second) / time.Second))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(rl.clientAddr(r), time.Now()) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too many requests, try again later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow checks whether addr is within the rate limit and records the attempt.
func (rl *RateLimiter) allow(addr netip.Addr, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[addr]
	if !exists || now.Sub(v.windowStart) > rl.window {
		rl.visitors[addr] = &visitor{count: 1, windowStart: now}
		return true
	}

	v.count++
	return v.count <= rl.rate
}

// cleanup removes expired visitor entries periodically.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for addr, v := range rl.visitors {
				if now.Sub(v.windowStart) > rl.window*2 {
					delete(rl.visitors, addr)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) isTrustedProxy(addr netip.Addr) bool {
	for _, p := range rl.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// clientAddr returns the real client address. Proxy headers are only
// trusted when RemoteAddr is a configured proxy; the rightmost
// X-Forwarded-For entry that is not itself a trusted proxy wins.
func (rl *RateLimiter) clientAddr(r *http.Request) netip.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	remote, ok := parseAddr(host)
	if !ok {
		return netip.IPv4Unspecified()
	}

	if len(rl.trusted) == 0 || !rl.isTrustedProxy(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			candidate, ok := parseAddr(parts[i])
			if ok && !rl.isTrustedProxy(candidate) {
				return candidate
			}
		}
	}

	if xri, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return xri
	}
	return remote
}
