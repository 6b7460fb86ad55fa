package http

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/chronoq/internal/metrics"
)

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware adds permissive CORS headers so browser-based tooling can
// talk to the API from any origin. For a hardened production deploy,
// restrict allowed origins via a reverse proxy.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, Authorization")
		h.Set("Access-Control-Max-Age", "86400")
		// Credentialed requests require the concrete origin, not "*".
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Logging ──────────────────────────────────────────────────────────────────

// responseWriter records the status code written by the inner handler.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration for every request
// and, when reg is non-nil, records the request in the HTTP counters. The
// route pattern (not the raw path) is used as the metrics label so that a
// flood of unique timer IDs cannot blow up cardinality.
func LoggingMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			durMs := time.Since(start).Milliseconds()

			slog.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", durMs,
			)

			if reg != nil {
				route := r.Pattern
				if route == "" {
					route = r.URL.Path
				}
				reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, route, strconv.Itoa(wrapped.status)))
				reg.HTTPDurMs.Add(metrics.HTTPDurKey(r.Method, route), durMs)
				reg.HTTPDurCnt.Inc(metrics.HTTPDurKey(r.Method, route))
			}
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// AuthMiddleware enforces a static API key, read from the X-Api-Key header,
// when auth is enabled. The comparison is constant-time.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-Api-Key"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

// limiterTable maps client IPs to their token buckets. Stale entries are
// swept out only once the table grows past sweepThreshold, so small deploys
// never pay for eviction.
type limiterTable struct {
	mu    sync.Mutex
	byIP  map[string]*limiterEntry
	rps   rate.Limit
	burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	sweepThreshold = 5000
	limiterTTL     = 10 * time.Minute
)

func (t *limiterTable) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	e, ok := t.byIP[ip]
	if !ok {
		if len(t.byIP) >= sweepThreshold {
			cutoff := now.Add(-limiterTTL)
			for k, v := range t.byIP {
				if v.lastSeen.Before(cutoff) {
					delete(t.byIP, k)
				}
			}
		}
		e = &limiterEntry{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.byIP[ip] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// RateLimitMiddleware applies per-IP token-bucket rate limiting. rps is the
// allowed requests per second; burst is the maximum burst size. The IP is
// resolved from X-Forwarded-For when present (first hop), falling back to
// RemoteAddr.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	tbl := &limiterTable{
		byIP:  make(map[string]*limiterEntry),
		rps:   rate.Limit(rps),
		burst: burst,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tbl.allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the originating client address. The leftmost entry of
// X-Forwarded-For wins when a reverse proxy set it; otherwise RemoteAddr is
// used. Note that X-Forwarded-For is attacker-controlled when no trusted
// proxy sits in front of the server.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes is the hard upper bound applied to every inbound
// request body. Per-timer payload limits are enforced separately by the
// create handler; this bound only prevents unbounded memory growth from
// oversized requests.
const maxRequestBodyBytes = 4 << 20 // 4 MiB

// MaxBodyMiddleware wraps every request body in an http.MaxBytesReader so that
// handlers automatically receive a "request body too large" error if the client
// sends more than maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain wraps h in the given middleware, first argument outermost.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw); i > 0; i-- {
		h = mw[i-1](h)
	}
	return h
}
