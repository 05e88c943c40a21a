package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnhub-api/internal/auth"
	"learnhub-api/internal/observability"
)

type fakeCleaner struct {
	calls  int
	result auth.CleanupResult
	err    error
}

func (f *fakeCleaner) CleanupStale(_ context.Context, _ time.Duration, _ int) (auth.CleanupResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestHandler(cleaner *fakeCleaner, secret string) *CleanupHandler {
	logger := observability.NewLogger("learnhub-api-test")
	return NewCleanupHandler(cleaner, logger, secret, 14*24*time.Hour, 500)
}

func TestCleanupHiddenWithoutSecret(t *testing.T) {
	cleaner := &fakeCleaner{}
	handler := newTestHandler(cleaner, "")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, cleaner.calls)
}

func TestCleanupRejectsBadSecret(t *testing.T) {
	cleaner := &fakeCleaner{}
	handler := newTestHandler(cleaner, "cron-secret")

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic cron-secret"},
		{name: "wrong secret", header: "Bearer nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.Handle(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.Zero(t, cleaner.calls)
}

func TestCleanupRejectsUnsupportedMethod(t *testing.T) {
	cleaner := &fakeCleaner{}
	handler := newTestHandler(cleaner, "cron-secret")

	req := httptest.NewRequest(http.MethodDelete, "/internal/maintenance/cleanup", nil)
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, cleaner.calls)
}

func TestCleanupRunsWithValidSecret(t *testing.T) {
	cleaner := &fakeCleaner{result: auth.CleanupResult{DeletedRefreshTokens: 3, DeletedIPLimits: 1}}
	handler := newTestHandler(cleaner, "cron-secret")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, cleaner.calls)
	assert.JSONEq(t, `{"status":"ok","result":{"deleted_refresh_tokens":3,"deleted_ip_limits":1}}`, rec.Body.String())
}
