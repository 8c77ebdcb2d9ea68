package ratelimit

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"content-platform/internal/telemetry"
)

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a refused request.
type RejectFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// ClientIP keys anonymous requests by remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware refuses requests once their bucket is empty. When the limiter
// itself fails the request is let through and the failure logged; admission
// control must not take the API down with redis.
func Middleware(l Limiter, key KeyFunc, reject RejectFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			d, err := l.Allow(r.Context(), k)
			if err != nil {
				logger.Warn("rate limiter unavailable; admitting request", zap.String("key", k), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				telemetry.AdmissionRejects.Inc()
				logger.Info("request rate limited", zap.String("key", k), zap.Duration("retry_after", d.RetryAfter))
				reject(w, r, d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
