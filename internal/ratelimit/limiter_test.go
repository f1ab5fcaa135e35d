package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func noIdentity(*gin.Context) (string, bool) { return "", false }

func fixedIdentity(id string) IdentityFn {
	return func(*gin.Context) (string, bool) { return id, true }
}

func limiterRouter(store CounterStore, tiers []Tier, status int) *gin.Engine {
	r := gin.New()
	r.Use(New(store, tiers, zerolog.Nop()).Middleware())
	handle := func(c *gin.Context) { c.Status(status) }
	r.GET("/api/contacts", handle)
	r.POST("/api/contacts", handle)
	r.POST("/api/auth/login", handle)
	r.GET("/health", handle)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func post(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = "203.0.113.7:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLimitBoundaryExact(t *testing.T) {
	tiers := []Tier{{
		Name:   "general",
		Limit:  3,
		Window: time.Minute,
		Key:    func(c *gin.Context) string { return clientIP(c) },
	}}
	r := limiterRouter(NewMemoryStore(), tiers, http.StatusOK)

	for i := 0; i < 3; i++ {
		if w := get(r, "/api/contacts"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}
	if w := get(r, "/api/contacts"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("request limit+1: status = %d, want 429", w.Code)
	}
}

func TestWindowResetAllowsRetry(t *testing.T) {
	store := NewMemoryStore()
	tiers := []Tier{{
		Name:   "general",
		Limit:  1,
		Window: 30 * time.Millisecond,
		Key:    func(c *gin.Context) string { return clientIP(c) },
	}}
	r := limiterRouter(store, tiers, http.StatusOK)

	if w := get(r, "/api/contacts"); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}
	if w := get(r, "/api/contacts"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request in window: status = %d, want 429", w.Code)
	}

	time.Sleep(40 * time.Millisecond)

	if w := get(r, "/api/contacts"); w.Code != http.StatusOK {
		t.Fatalf("request after window reset: status = %d, want 200", w.Code)
	}
}

func TestRejectionEnvelope(t *testing.T) {
	tiers := []Tier{{
		Name:   "general",
		Limit:  1,
		Window: time.Minute,
		Key:    func(c *gin.Context) string { return clientIP(c) },
	}}
	r := limiterRouter(NewMemoryStore(), tiers, http.StatusOK)

	get(r, "/api/contacts")
	w := get(r, "/api/contacts")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	var body struct {
		Success    bool    `json:"success"`
		Error      string  `json:"error"`
		Limit      int64   `json:"limit"`
		Remaining  int64   `json:"remaining"`
		RetryAfter int64   `json:"retryAfter"`
		ResetTime  string  `json:"resetTime"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success || body.Error != "Too many requests" {
		t.Errorf("envelope = %+v", body)
	}
	if body.Limit != 1 || body.Remaining != 0 {
		t.Errorf("limit/remaining = %d/%d, want 1/0", body.Limit, body.Remaining)
	}
	if body.RetryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", body.RetryAfter)
	}
	if _, err := time.Parse(time.RFC3339, body.ResetTime); err != nil {
		t.Errorf("resetTime %q not RFC3339: %v", body.ResetTime, err)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestSkipConditions(t *testing.T) {
	tiers := DefaultTiers(noIdentity)
	r := limiterRouter(NewMemoryStore(), tiers, http.StatusOK)

	// Health path skips the general tier entirely.
	for i := 0; i < 150; i++ {
		if w := get(r, "/health"); w.Code != http.StatusOK {
			t.Fatalf("health request %d: status = %d", i+1, w.Code)
		}
	}
}

func TestAuthTierRefundsSuccesses(t *testing.T) {
	tiers := DefaultTiers(noIdentity)
	r := limiterRouter(NewMemoryStore(), tiers, http.StatusOK)

	// Successful auth responses are excluded from the count, so far more
	// than the 5-per-window budget must pass.
	for i := 0; i < 20; i++ {
		if w := post(r, "/api/auth/login"); w.Code != http.StatusOK {
			t.Fatalf("successful login %d: status = %d", i+1, w.Code)
		}
	}
}

func TestAuthTierCountsFailures(t *testing.T) {
	tiers := DefaultTiers(noIdentity)
	r := limiterRouter(NewMemoryStore(), tiers, http.StatusUnauthorized)

	for i := 0; i < 5; i++ {
		if w := post(r, "/api/auth/login"); w.Code != http.StatusUnauthorized {
			t.Fatalf("failed login %d: status = %d, want 401", i+1, w.Code)
		}
	}
	// The 6th attempt inside the window is rejected by the tier itself,
	// regardless of what the handler would have said.
	if w := post(r, "/api/auth/login"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("6th failed login: status = %d, want 429", w.Code)
	}
}

func TestPerUserTierSkippedWhenAnonymous(t *testing.T) {
	store := NewMemoryStore()
	tiers := []Tier{DefaultTiers(noIdentity)[3]} // per-user tier only
	r := limiterRouter(store, tiers, http.StatusOK)

	// Anonymous requests never touch the per-user bucket.
	for i := 0; i < 10; i++ {
		if w := get(r, "/api/contacts"); w.Code != http.StatusOK {
			t.Fatalf("anonymous request %d: status = %d", i+1, w.Code)
		}
	}
}

func TestCompositeKeySeparatesUsers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c1, _ := gin.CreateTestContext(httptest.NewRecorder())
	c1.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c1.Request.RemoteAddr = "203.0.113.7:1234"

	anon := compositeKey(c1, noIdentity)
	authed := compositeKey(c1, fixedIdentity("u-1"))
	if anon == authed {
		t.Fatalf("anonymous and authenticated keys collide: %q", anon)
	}
	if anon != "203.0.113.7" {
		t.Errorf("anonymous key = %q, want bare ip", anon)
	}
	if authed != "user:u-1:203.0.113.7" {
		t.Errorf("authenticated key = %q", authed)
	}
}

func TestRedisStoreCounters(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, resetAt, err := store.Incr(ctx, "rl:test:k", time.Minute)
		if err != nil {
			t.Fatalf("Incr failed: %v", err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
		if !resetAt.After(time.Now()) {
			t.Fatalf("resetAt %v not in the future", resetAt)
		}
	}

	if err := store.Decr(ctx, "rl:test:k"); err != nil {
		t.Fatalf("Decr failed: %v", err)
	}
	count, _, err := store.Incr(ctx, "rl:test:k", time.Minute)
	if err != nil {
		t.Fatalf("Incr after Decr failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("count after refund = %d, want 3", count)
	}

	// Window expiry resets the counter.
	mr.FastForward(2 * time.Minute)
	count, _, err = store.Incr(ctx, "rl:test:k", time.Minute)
	if err != nil {
		t.Fatalf("Incr after expiry failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after window expiry = %d, want 1", count)
	}
}

func TestRedisStoreDecrFloorsAtZero(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb)
	ctx := context.Background()

	if err := store.Decr(ctx, "rl:test:absent"); err != nil {
		t.Fatalf("Decr on absent key failed: %v", err)
	}
	count, _, err := store.Incr(ctx, "rl:test:absent", time.Minute)
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (Decr must not create negative counters)", count)
	}
}
