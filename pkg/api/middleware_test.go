package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewIPRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/pending-transactions", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// Burst of two is allowed immediately.
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1235").Code)

	w := call("10.0.0.1:1236")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	// Other clients have their own bucket.
	assert.Equal(t, http.StatusOK, call("[::1]:80").Code)

	now = now.Add(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1237").Code, "token refilled")
}

func TestIPRateLimiter_Prune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewIPRateLimiter(10, 10)
	limiter.now = func() time.Time { return now }
	limiter.get("a")
	now = now.Add(2 * time.Minute)
	limiter.get("b")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, limiter.Prune(3*time.Minute))
	assert.Len(t, limiter.visitors, 1)
	assert.Contains(t, limiter.visitors, "b")
}
