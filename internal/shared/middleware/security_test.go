package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIPRateLimiterCleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewIPRateLimiter(10, 10)
	limiter.now = func() time.Time { return now }

	limiter.GetLimiter("10.0.0.1")
	now = now.Add(5 * time.Minute)
	limiter.GetLimiter("10.0.0.2")
	now = now.Add(6 * time.Minute)

	if removed := limiter.Cleanup(10 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 idle limiter removed, got %d", removed)
	}
	if limiter.Size() != 1 {
		t.Errorf("Expected 1 tracked IP, got %d", limiter.Size())
	}

	// A returning IP gets a fresh entry
	limiter.GetLimiter("10.0.0.1")
	if limiter.Size() != 2 {
		t.Errorf("Expected 2 tracked IPs, got %d", limiter.Size())
	}
}

func TestIPRateLimiterMiddleware(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.9:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	if codes[0] != http.StatusOK {
		t.Errorf("Expected first request allowed, got %d", codes[0])
	}
	if codes[1] != http.StatusTooManyRequests {
		t.Errorf("Expected second request limited, got %d", codes[1])
	}
}

func TestInputSanitizer(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"Small body", 128, false},
		{"Exactly 1MB", 1 << 20, false},
		{"Over 1MB", 1<<20 + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var readErr error
			handler := InputSanitizer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, readErr = io.ReadAll(r.Body)
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/realtime", strings.NewReader(strings.Repeat("a", tt.size)))
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if (readErr != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, readErr)
			}
		})
	}
}
