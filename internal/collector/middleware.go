package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/SebastienMelki/itly/internal/observability"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey string

// KeyIDContextKey carries the authenticated key id through the request context.
const KeyIDContextKey contextKey = "key_id"

// KeyID returns the authenticated key id, or "" for unauthenticated requests.
func KeyID(ctx context.Context) string {
	if id, ok := ctx.Value(KeyIDContextKey).(string); ok {
		return id
	}
	return ""
}

// BearerAuth rejects requests without a known "Authorization: Bearer" token
// and injects the key id into the request context.
func BearerAuth(keys *KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, ErrMissingAPIKey)
				return
			}

			id, ok := keys.Lookup(token)
			if !ok {
				writeError(w, http.StatusUnauthorized, ErrInvalidAPIKey)
				return
			}

			ctx := context.WithValue(r.Context(), KeyIDContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// PerKeyRateLimit limits requests per authenticated key id with a token
// bucket. Requests without a key id pass through. metrics may be nil.
func PerKeyRateLimit(cfg RateLimitConfig, metrics *observability.CollectorMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}

		var (
			mu       sync.Mutex
			limiters = make(map[string]*rate.Limiter)
		)
		limiterFor := func(id string) *rate.Limiter {
			mu.Lock()
			defer mu.Unlock()
			l, ok := limiters[id]
			if !ok {
				l = rate.NewLimiter(rate.Limit(cfg.PerKeyRPS), cfg.PerKeyBurst)
				limiters[id] = l
			}
			return l
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := KeyID(r.Context())
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !limiterFor(id).Allow() {
				if metrics != nil {
					metrics.RateLimited.Add(r.Context(), 1)
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BodySizeLimit caps the request body at maxBytes. Reads past the cap fail
// with *http.MaxBytesError.
func BodySizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// chain applies middlewares so the first one listed runs first.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
