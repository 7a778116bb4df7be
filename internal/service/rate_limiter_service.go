package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/accessguard/accessguard/internal/domain/ratelimit"
)

// RequestLimitConfig is one named rate-limit rule applied to the request
// protocol, e.g. "login", "token_refresh", "default".
type RequestLimitConfig struct {
	Name                string
	Strategy            ratelimit.KeyStrategy
	Limit               int
	Window              time.Duration
	StandardHeaders     bool
	SkipSuccessful      bool
	SkipFailed          bool
}

// KeyInput supplies the identifiers RateLimiterService needs to resolve a
// bucket key for any of the four strategies.
type KeyInput struct {
	IP       string
	UserID   string
	APIKeyID string
	Custom   string
}

func resolveKeyValue(strategy ratelimit.KeyStrategy, in KeyInput) string {
	switch strategy {
	case ratelimit.KeyUser:
		return in.UserID
	case ratelimit.KeyAPIKey:
		return in.APIKeyID
	case ratelimit.KeyCustom:
		return in.Custom
	default:
		return in.IP
	}
}

// Headers is the standard rate-limit header set, populated only when a
// rule's StandardHeaders is true.
type Headers struct {
	Limit      int
	Remaining  int
	Reset      time.Duration
	Window     time.Duration
	RetryAfter time.Duration // set only on a deny
}

// CheckOutcome is the result of one request-protocol rate-limit check:
// the limiter's Result and the response headers derived from it.
type CheckOutcome struct {
	Result  ratelimit.Result
	Headers Headers
}

// RateLimiterService implements component P's wiring: request and stream
// rate limiting over the domain Limiter/ConnectionAccountant ports, with
// named rules, key-strategy resolution, and standard header population.
type RateLimiterService struct {
	limiter     ratelimit.Limiter
	accountant  ratelimit.ConnectionAccountant
	namespace   string
	rules       map[string]RequestLimitConfig
	streamLimits ratelimit.StreamLimits
}

// NewRateLimiterService wires the limiter, the connection accountant for
// stream handshakes, a key namespace, and the named request rules.
func NewRateLimiterService(limiter ratelimit.Limiter, accountant ratelimit.ConnectionAccountant, namespace string, rules []RequestLimitConfig, streamLimits ratelimit.StreamLimits) *RateLimiterService {
	if namespace == "" {
		namespace = ratelimit.DefaultNamespace
	}
	byName := make(map[string]RequestLimitConfig, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}
	return &RateLimiterService{
		limiter:      limiter,
		accountant:   accountant,
		namespace:    namespace,
		rules:        byName,
		streamLimits: streamLimits,
	}
}

// CheckRequest applies the named rule to the key resolved from in, via
// Limiter.Allow. The caller is responsible for honoring
// SkipSuccessful/SkipFailed by re-evaluating after the handler runs (the
// decision depends on the response, which this call does not see).
func (s *RateLimiterService) CheckRequest(ctx context.Context, ruleName string, in KeyInput) (CheckOutcome, error) {
	rule, ok := s.rules[ruleName]
	if !ok {
		return CheckOutcome{}, fmt.Errorf("rate limiter: unknown rule %q", ruleName)
	}
	keyValue := resolveKeyValue(rule.Strategy, in)
	key := ratelimit.FormatKey(s.namespace, rule.Strategy, keyValue)

	result, err := s.limiter.Allow(ctx, key, ratelimit.Config{
		Limit:                  rule.Limit,
		Window:                 rule.Window,
		SkipSuccessfulRequests: rule.SkipSuccessful,
		SkipFailedRequests:     rule.SkipFailed,
	})
	if err != nil {
		return CheckOutcome{}, err
	}

	var headers Headers
	if rule.StandardHeaders {
		headers = Headers{
			Limit:     rule.Limit,
			Remaining: result.Remaining,
			Reset:     result.ResetAfter,
			Window:    rule.Window,
		}
		if !result.Allowed {
			headers.RetryAfter = result.RetryAfter
		}
	}
	return CheckOutcome{Result: result, Headers: headers}, nil
}

// CheckStreamMessage applies the same sliding-window algorithm to inbound
// stream messages against both the per-minute and per-hour caps,
// returning the stricter of the two outcomes.
func (s *RateLimiterService) CheckStreamMessage(ctx context.Context, sessionID string) (ratelimit.Result, error) {
	minuteKey := ratelimit.FormatKey(s.namespace, ratelimit.KeyCustom, sessionID+":msg:min")
	minuteResult, err := s.limiter.Allow(ctx, minuteKey, ratelimit.Config{
		Limit:  s.streamLimits.MaxMessagesPerMinute,
		Window: time.Minute,
	})
	if err != nil {
		return ratelimit.Result{}, err
	}
	if !minuteResult.Allowed {
		return minuteResult, nil
	}

	hourKey := ratelimit.FormatKey(s.namespace, ratelimit.KeyCustom, sessionID+":msg:hour")
	hourResult, err := s.limiter.Allow(ctx, hourKey, ratelimit.Config{
		Limit:  s.streamLimits.MaxMessagesPerHour,
		Window: time.Hour,
	})
	if err != nil {
		return ratelimit.Result{}, err
	}
	return hourResult, nil
}

// AcquireConnection checks the per-bucket concurrent connection cap at
// stream handshake time. On exceeding the cap it returns an approximate
// 300s retry hint, matching the component design's fixed handshake
// back-off.
func (s *RateLimiterService) AcquireConnection(ctx context.Context, bucketKey string) (bool, ratelimit.Result, error) {
	key := ratelimit.FormatKey(s.namespace, ratelimit.KeyCustom, bucketKey+":connections")
	ok, result, err := s.accountant.TryAcquire(ctx, key, s.streamLimits.MaxConnections)
	if err != nil {
		return ok, result, err
	}
	if !ok {
		result.RetryAfter = 300 * time.Second
	}
	return ok, result, nil
}

// ReleaseConnection decrements the concurrent connection counter on
// disconnect.
func (s *RateLimiterService) ReleaseConnection(ctx context.Context, bucketKey string) error {
	key := ratelimit.FormatKey(s.namespace, ratelimit.KeyCustom, bucketKey+":connections")
	return s.accountant.Release(ctx, key)
}

// secondsUntilReset rounds a duration up to whole seconds for the
// Retry-After / X-RateLimit-Reset header values.
func secondsUntilReset(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// ToHTTPHeaders renders the standard X-RateLimit-* set (and Retry-After
// when set) as string values ready to write onto an http.ResponseWriter.
func (h Headers) ToHTTPHeaders() map[string]string {
	out := map[string]string{
		"X-RateLimit-Limit":     fmt.Sprintf("%d", h.Limit),
		"X-RateLimit-Remaining": fmt.Sprintf("%d", h.Remaining),
		"X-RateLimit-Reset":     fmt.Sprintf("%d", secondsUntilReset(h.Reset)),
		"X-RateLimit-Window":    fmt.Sprintf("%d", secondsUntilReset(h.Window)),
	}
	if h.RetryAfter > 0 {
		out["Retry-After"] = fmt.Sprintf("%d", secondsUntilReset(h.RetryAfter))
	}
	return out
}
