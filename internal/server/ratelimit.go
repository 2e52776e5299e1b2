package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/kbchat-go/internal/logging"
)

// Per-IP token-bucket defaults used when the Config leaves them zero. A
// sustained 10 req/s with a burst of 20 is generous for an interactive chat
// client while still stopping runaway loops.
const (
	defaultRateLimit = 10
	defaultRateBurst = 20
)

// bucketTTL is how long an idle client's bucket survives before eviction.
const bucketTTL = 5 * time.Minute

// evictEvery is the interval between eviction sweeps.
const evictEvery = time.Minute

// ipBucket pairs a client's token bucket with its last-activity timestamp.
type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter tracks one token bucket per client IP. The map is bounded by a
// background sweep that drops buckets idle longer than bucketTTL.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rps     rate.Limit
	burst   int
	log     *slog.Logger
}

// newRateLimiter builds a rateLimiter and launches its eviction sweep.
// Call the returned stop function on shutdown to end the sweep goroutine.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets: make(map[string]*ipBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		log:     log,
	}

	stopCh := make(chan struct{})
	go rl.sweep(stopCh)

	return rl, func() { close(stopCh) }
}

// bucketFor returns ip's token bucket, allocating one on first sight, and
// refreshes its last-seen time.
func (rl *rateLimiter) bucketFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.lim
}

// sweep drops idle buckets every evictEvery until stopCh closes.
func (rl *rateLimiter) sweep(stopCh <-chan struct{}) {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *rateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-bucketTTL)
	evicted := 0
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
			evicted++
		}
	}
	if evicted > 0 {
		rl.log.Debug("evicted idle rate-limit buckets", slog.Int("count", evicted))
	}
}

// middleware wraps next with the per-IP limit. Over-limit requests get
// 429 with Retry-After: 1 and a WARN log line carrying the offending IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.bucketFor(ip).Allow() {
			log := logging.FromContext(r.Context())
			log.Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP is RemoteAddr without the port. X-Forwarded-For is deliberately
// ignored: this server terminates its own connections and the header is
// trivially spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
