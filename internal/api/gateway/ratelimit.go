// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKeyPrefix namespaces rate limit counters in Redis.
const DefaultKeyPrefix = "iocforge:ratelimit"

// TierAnonymous applies to callers without a role claim.
const TierAnonymous = "anonymous"

// RateLimiter provides configurable rate limiting for API endpoints
type RateLimiter struct {
	redis  redis.UniversalClient
	logger *zap.Logger
	config RateLimitConfig
	script *redis.Script
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	KeyPrefix                string                    `yaml:"key_prefix"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per caller role
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	// CostMultiplier divides the tier budget for expensive routes.
	CostMultiplier int `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// Fixed one-minute window counter.
const windowScript = `
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 100
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
		script: redis.NewScript(windowScript),
	}
}

// DefaultTiers returns per-role limits for the enrichment API
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		TierAnonymous: {RequestsPerMinute: 30},
		"lector":      {RequestsPerMinute: 60},
		"analista":    {RequestsPerMinute: 300},
		"admin":       {RequestsPerMinute: 1000},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// A cache miss fans out to every upstream analyzer.
		"GET:/api/v1/enrichment": {
			Path:              "/api/v1/enrichment",
			Method:            http.MethodGet,
			RequestsPerMinute: 120,
			CostMultiplier:    1,
		},
	}
}

// Check counts one request against the caller's window. Redis errors allow
// the request.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) (*RateLimitResult, error) {
	tierLimits := rl.getTierLimits(tier)
	endpointLimits := rl.getEndpointLimits(endpoint, method)
	effectiveLimits := rl.calculateEffectiveLimits(tierLimits, endpointLimits)

	redisKey := fmt.Sprintf("%s:%s:%s:%s:minute", rl.config.KeyPrefix, tier, clientID, endpoint)
	now := time.Now()

	vals, err := rl.script.Run(ctx, rl.redis, []string{redisKey}, time.Minute.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Tier: tier, Limit: effectiveLimits.RequestsPerMinute}, nil
	}
	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}

	allowed := count <= effectiveLimits.RequestsPerMinute
	remaining := effectiveLimits.RequestsPerMinute - count
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	var reason string
	if !allowed {
		retryAfter = ttl
		reason = "rate limit exceeded"
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      effectiveLimits.RequestsPerMinute,
		ResetAt:    now.Add(ttl),
		RetryAfter: retryAfter,
		Tier:       tier,
		Reason:     reason,
	}, nil
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	if limits, ok := rl.config.Tiers[TierAnonymous]; ok {
		return limits
	}
	return TierLimits{RequestsPerMinute: rl.config.DefaultRequestsPerMinute}
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	if endpoint == nil {
		return tier
	}
	effective := tier
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < tier.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerMinute /= endpoint.CostMultiplier
	}
	if effective.RequestsPerMinute < 1 {
		effective.RequestsPerMinute = 1
	}
	return effective
}

// Middleware limits requests to one logical endpoint. endpoint is the route
// template, not the request path, so every indicator shares one budget.
func (rl *RateLimiter) Middleware(endpoint string, getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := getTier(r)
			if tier == "" {
				tier = TierAnonymous
			}
			clientID := getClientID(r)
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result, err := rl.Check(r.Context(), tier, clientID, endpoint, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			// No headers when the check failed open.
			if rl.config.IncludeHeaders && !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.logger.Info("Rate limit exceeded",
					zap.String("tier", tier),
					zap.String("endpoint", endpoint),
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": result.Reason})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
