package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddlewareAllowsUnderLimit(t *testing.T) {
	limiter := ratelimit.NewWindow(ratelimit.Config{Limit: 2, Window: time.Minute})
	mw := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)
	handler := mw(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
		req.Header.Set("X-User-ID", "user-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareBlocksOverLimit(t *testing.T) {
	limiter := ratelimit.NewWindow(ratelimit.Config{Limit: 1, Window: time.Minute})
	mw := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)
	handler := mw(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
	req.Header.Set("X-User-ID", "user-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json error, got %q", ct)
	}
}

func TestRateLimitMiddlewareSkipsWithoutKey(t *testing.T) {
	limiter := ratelimit.NewWindow(ratelimit.Config{Limit: 1, Window: time.Minute})
	mw := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)
	handler := mw(okHandler())

	// No X-User-ID header, so no key and no limiting.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareNilLimiter(t *testing.T) {
	mw := RateLimitMiddleware(nil, zap.NewNop(), UserKeyFunc)
	handler := mw(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected pass-through with nil limiter, got %d", rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := IPKeyFunc(req); got != "ip:203.0.113.9" {
		t.Errorf("expected forwarded IP key, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if got := IPKeyFunc(req); got == "ip:" {
		t.Errorf("expected remote addr fallback, got %q", got)
	}
}
