package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})

	w, _ := b.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"platform":"android"`)
}

func TestHealthReportsStorageFailure(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{
		Ping: func(ctx context.Context) error { return errors.New("database is locked") },
	})

	w, _ := b.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), "database is locked")
}

func TestAPIRequiresKey(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/connection/status", nil)
	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// health and metrics stay open
	for _, target := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		b.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusOK, w.Code, target)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")

	w, _ := b.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "test_connection_attempts_total"), body)
}
