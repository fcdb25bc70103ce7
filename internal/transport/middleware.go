package transport

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// publicPaths never require the shared-secret header, matching the
// pkg/auth/middleware.go's isPublicPath allow-list shape.
var publicPaths = map[string]bool{
	"/health": true,
}

// AuthConfig configures the shared-secret header middleware (spec.md §4.F).
type AuthConfig struct {
	Enabled bool
	Header  string
	Key     string
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// authMiddleware enforces a single header-carried shared secret. When
// Enabled is false (declared non-production mode only — production startup
// refuses this combination, see config.ValidateProduction) every request
// passes through unauthenticated.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get(cfg.Header) != cfg.Key || cfg.Key == "" {
				writeUnauthorized(w, "missing or invalid "+cfg.Header)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originMiddleware enforces an exact-match origin allow-list; no wildcards.
// An empty allow-list means the check is skipped (declared non-production
// mode only).
func originMiddleware(allowlist []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowlist))
	for _, o := range allowlist {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed[origin] {
				writeForbidden(w, "origin not permitted")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			next.ServeHTTP(w, r)
		})
	}
}

// visitor tracks one IP's token bucket and last-seen instant.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-IP token-bucket rate limit, grounded on the
// pkg/api/middleware.go's GlobalRateLimiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing rps requests per second per IP,
// with burst headroom, and starts its background stale-visitor sweep.
func NewRateLimiter(rps int, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Middleware enforces the per-IP rate limit ahead of next.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.getVisitor(ip).Allow() {
			writeTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// chain applies middlewares in the order given, outermost first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
