package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gitops-gate/gitopsgate/internal/domain/auth"
	"github.com/gitops-gate/gitopsgate/internal/domain/ratelimit"
)

// Context keys for request-scoped values.
type (
	requestIDContextKey struct{}
	sourceIPContextKey  struct{}
	identityContextKey  struct{}
)

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// SourceIPKey is the context key for the client IP.
var SourceIPKey = sourceIPContextKey{}

// IdentityKey is the context key for the authenticated API key name.
var IdentityKey = identityContextKey{}

// RequestIDMiddleware extracts or generates a request ID and echoes it
// in the X-Request-ID response header for cross-system correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext retrieves the request ID, empty if absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// RealIPMiddleware extracts the client's real IP for rate limiting and
// audit correlation. Checks X-Forwarded-For and X-Real-IP (reverse
// proxy support), falling back to r.RemoteAddr. Only the first IP in
// X-Forwarded-For is trusted to avoid spoofing.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), SourceIPKey, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SourceIPFromContext retrieves the client IP, empty if absent.
func SourceIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(SourceIPKey).(string)
	return ip
}

// extractRealIP extracts the client's real IP address from the request.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIKeyMiddleware validates the Bearer token against the keyring and
// stores the key's name in context. Requests without a valid key get
// 401; a nil keyring disables authentication (dev mode).
func APIKeyMiddleware(keyring *auth.Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyring == nil {
				next.ServeHTTP(w, r)
				return
			}

			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			name, err := keyring.Verify(strings.TrimPrefix(authz, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext retrieves the authenticated key name, empty if absent.
func IdentityFromContext(ctx context.Context) string {
	name, _ := ctx.Value(IdentityKey).(string)
	return name
}

// RateLimitMiddleware limits requests per authenticated key, falling
// back to per client IP for unauthenticated requests. Rejections get
// 429 with Retry-After.
func RateLimitMiddleware(limiter ratelimit.Limiter, limit ratelimit.Limit, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "key:" + IdentityFromContext(r.Context())
			if key == "key:" {
				key = "ip:" + SourceIPFromContext(r.Context())
			}

			result, err := limiter.Allow(r.Context(), key, limit)
			if err != nil {
				logger.Error("rate limiter failed", "key", key, "error", err)
				writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
				return
			}
			if !result.Allowed {
				if metrics != nil {
					metrics.RateLimitedTotal.Inc()
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// AccessLogMiddleware logs one line per request at debug level.
func AccessLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
				"source_ip", SourceIPFromContext(r.Context()))
		})
	}
}
