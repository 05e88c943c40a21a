package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRateStore struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	lastIP     string
}

func (f *fakeRateStore) AllowLoginIP(_ context.Context, ip string, _ int, _ time.Duration, _ time.Time) (bool, time.Duration, error) {
	f.lastIP = ip
	return f.allowed, f.retryAfter, f.err
}

func limiterRequest(limiter *LoginRateLimiter, forwardedFor string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	recorder := httptest.NewRecorder()
	limiter.Middleware(next).ServeHTTP(recorder, req)
	return recorder
}

func TestLoginRateLimiterAllows(t *testing.T) {
	store := &fakeRateStore{allowed: true}
	limiter := NewLoginRateLimiter(store, 10, time.Minute)

	recorder := limiterRequest(limiter, "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestLoginRateLimiterBlocksWithRetryAfter(t *testing.T) {
	store := &fakeRateStore{allowed: false, retryAfter: 30 * time.Second}
	limiter := NewLoginRateLimiter(store, 10, time.Minute)

	recorder := limiterRequest(limiter, "")
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "30", recorder.Header().Get("Retry-After"))
}

func TestLoginRateLimiterFailsOpen(t *testing.T) {
	store := &fakeRateStore{err: errors.New("db down")}
	limiter := NewLoginRateLimiter(store, 10, time.Minute)

	recorder := limiterRequest(limiter, "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestLoginRateLimiterUsesForwardedIP(t *testing.T) {
	store := &fakeRateStore{allowed: true}
	limiter := NewLoginRateLimiter(store, 10, time.Minute)

	limiterRequest(limiter, "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", store.lastIP)
}
