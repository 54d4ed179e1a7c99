package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"iap-bridge/internal/native/sandbox"
	"iap-bridge/internal/platform"
	"iap-bridge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

type testBridge struct {
	sim      *sandbox.Simulator
	client   *services.Client
	router   *gin.Engine
	registry *prometheus.Registry
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		ProductID string `json:"productId"`
	} `json:"error"`
}

func newBridge(t *testing.T, android bool, options HandlerOptions) *testBridge {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	metrics, err := services.NewMetrics("test", registry)
	require.NoError(t, err)

	sim := sandbox.New(sandbox.DefaultCatalog()...)
	var store platform.Store = platform.NewStoreKitStore(sim.StoreKit())
	if android {
		store = platform.NewPlayBillingStore(sim.BillingClient())
	}
	client := services.NewClient(store, services.ClientOptions{Metrics: metrics})
	t.Cleanup(func() { client.Close(context.Background()) })

	if options.Gatherer == nil {
		options.Gatherer = registry
	}
	r := gin.New()
	SetupRoutes(r, NewHandler(client, options), testAPIKey)
	return &testBridge{sim: sim, client: client, router: r, registry: registry}
}

func (b *testBridge) do(t *testing.T, method, target string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func (b *testBridge) connect(t *testing.T, program string) {
	t.Helper()
	body := gin.H{}
	if program != "" {
		body["billingProgram"] = program
	}
	w, env := b.do(t, http.MethodPost, "/api/connection/init", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, env.Success)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func coinsBody() gin.H {
	return gin.H{
		"type":    "in-app",
		"ios":     gin.H{"sku": "coins_100"},
		"android": gin.H{"skus": []string{"coins_100"}},
	}
}
