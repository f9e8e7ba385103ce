package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestCalculateEffectiveLimits(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{}, nil)

	tests := []struct {
		name     string
		tier     TierLimits
		endpoint *EndpointLimits
		want     int
	}{
		{"no endpoint override", TierLimits{RequestsPerMinute: 300}, nil, 300},
		{"endpoint tighter", TierLimits{RequestsPerMinute: 300}, &EndpointLimits{RequestsPerMinute: 120}, 120},
		{"endpoint looser", TierLimits{RequestsPerMinute: 30}, &EndpointLimits{RequestsPerMinute: 120}, 30},
		{"cost multiplier", TierLimits{RequestsPerMinute: 300}, &EndpointLimits{CostMultiplier: 3}, 100},
		{"never below one", TierLimits{RequestsPerMinute: 2}, &EndpointLimits{CostMultiplier: 10}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rl.calculateEffectiveLimits(tt.tier, tt.endpoint)
			if got.RequestsPerMinute != tt.want {
				t.Errorf("RequestsPerMinute = %d, want %d", got.RequestsPerMinute, tt.want)
			}
		})
	}
}

func TestGetTierLimits_UnknownFallsBackToAnonymous(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{}, nil)

	if got := rl.getTierLimits("admin").RequestsPerMinute; got != 1000 {
		t.Errorf("admin limit = %d", got)
	}
	if got := rl.getTierLimits("intruder").RequestsPerMinute; got != DefaultTiers()[TierAnonymous].RequestsPerMinute {
		t.Errorf("unknown tier limit = %d", got)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:1234", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.10:5555", "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryAfterSeconds_RoundsUp(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1200 * time.Millisecond, 2},
		{59001 * time.Millisecond, 60},
		{time.Minute, 60},
	}

	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMiddleware_FailsOpenWhenRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	rl := NewRateLimiter(client, RateLimitConfig{IncludeHeaders: true}, nil)
	called := false
	handler := rl.Middleware("/api/v1/enrichment", func(*http.Request) string { return "" }, func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/enrichment/1.2.3.4", nil))

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("request not passed through: called=%v status=%d", called, rec.Code)
	}
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := fmt.Sprintf("iocforge-test:%d:ratelimit", time.Now().UnixNano())
	rl := NewRateLimiter(client, RateLimitConfig{
		KeyPrefix:      prefix,
		IncludeHeaders: true,
		Tiers:          map[string]TierLimits{TierAnonymous: {RequestsPerMinute: 2}},
	}, nil)

	handler := rl.Middleware("/api/v1/enrichment", func(*http.Request) string { return "" }, func(*http.Request) string { return "tester" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	var codes []int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/enrichment/10.0.0.%d", i), nil))
		codes = append(codes, rec.Code)
		if i == 2 {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("unexpected body %q", rec.Body.String())
			}
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", codes, want)
		}
	}
}
