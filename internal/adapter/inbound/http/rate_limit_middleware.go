package http

import (
	"net/http"

	"github.com/accessguard/accessguard/internal/apperr"
	"github.com/accessguard/accessguard/internal/service"
)

// rateLimitMiddleware applies RateLimiterService's named rule ruleName,
// keyed on the caller's IP, ahead of handler. It writes the standard
// rate-limit headers on every response and a 429 with Retry-After when
// the rule denies the request.
func rateLimitMiddleware(limiter *service.RateLimiterService, ruleName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			outcome, err := limiter.CheckRequest(r.Context(), ruleName, service.KeyInput{IP: RealIP(r.Context())})
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			for k, v := range outcome.Headers.ToHTTPHeaders() {
				w.Header().Set(k, v)
			}
			if !outcome.Result.Allowed {
				kind := apperr.KindRateLimitExceeded
				if outcome.Result.Degraded {
					kind = apperr.KindRateLimitDegraded
				}
				writeError(w, apperr.New(kind, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
