package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func newCtx(e *echo.Echo, hospitalID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if hospitalID != "" {
		c.Set("hospital_id", hospitalID)
	}
	return c, rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		c, rec := newCtx(e, "")
		if err := h(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("expected X-RateLimit-Limit 10, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		c, _ := newCtx(e, "hosp-a")
		if err := h(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i, err)
		}
	}

	c, rec := newCtx(e, "hosp-a")
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerHospitalIsolation(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	c1, _ := newCtx(e, "hosp-a")
	if err := h(c1); err != nil {
		t.Fatalf("hosp-a first request: %v", err)
	}
	c2, _ := newCtx(e, "hosp-a")
	if err := h(c2); err == nil {
		t.Fatal("hosp-a second request: expected rate limit error")
	}
	c3, _ := newCtx(e, "hosp-b")
	if err := h(c3); err != nil {
		t.Fatalf("hosp-b first request: %v", err)
	}
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		KeyFunc:           func(c echo.Context) string { return "shared" },
	})(okHandler)

	c1, _ := newCtx(e, "hosp-a")
	_ = h(c1)
	c2, _ := newCtx(e, "hosp-b")
	if err := h(c2); err == nil {
		t.Fatal("expected shared bucket to be exhausted")
	}
}

func TestHospitalOrIPKey(t *testing.T) {
	e := echo.New()
	c, _ := newCtx(e, "hosp-a")
	if got := HospitalOrIPKey(c); got != "hospital:hosp-a" {
		t.Errorf("expected hospital:hosp-a, got %s", got)
	}
	c2, _ := newCtx(e, "")
	if got := HospitalOrIPKey(c2); got[:3] != "ip:" {
		t.Errorf("expected ip key, got %s", got)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 {
		t.Errorf("expected RequestsPerSecond 100, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 200 {
		t.Errorf("expected BurstSize 200, got %d", cfg.BurstSize)
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newTokenBucket(0, 1)
	b.allow()
	if ra := b.retryAfter(); ra != 1 {
		t.Errorf("expected retryAfter 1 for zero rate, got %d", ra)
	}
}

func TestRateLimiterStore_SameKeySameBucket(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})
	b1 := store.getBucket("key1")
	if b1 != store.getBucket("key1") {
		t.Error("expected same bucket instance for same key")
	}
	if b1 == store.getBucket("key2") {
		t.Error("expected different bucket for different key")
	}
}

func TestRateLimiterStore_SweepsIdleBuckets(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})
	b := store.getBucket("stale")
	b.mu.Lock()
	b.lastRefill = time.Now().Add(-2 * bucketIdleTTL)
	b.mu.Unlock()
	store.lastSweep = time.Now().Add(-2 * bucketIdleTTL)

	store.getBucket("fresh")
	if store.size() != 1 {
		t.Fatalf("expected stale bucket to be swept, have %d buckets", store.size())
	}
}
