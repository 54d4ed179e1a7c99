package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamedEvent struct {
	Channel string                 `json:"channel"`
	Data    map[string]interface{} `json:"data"`
}

func dialEvents(t *testing.T, b *testBridge) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(b.router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	header := http.Header{"X-API-Key": []string{testAPIKey}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	// the stream is live once it listens on every channel
	require.Eventually(t, func() bool {
		return b.client.Events().PromotedProduct.Subscribers() > 0 &&
			b.client.Events().ConnectionState.Subscribers() > 0
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) streamedEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event streamedEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestStreamEventsRequiresKey(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	server := httptest.NewServer(b.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamEventsDeliversEnvelopes(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	conn := dialEvents(t, b)

	b.connect(t, "")
	event := readEvent(t, conn)
	assert.Equal(t, "connection-state", event.Channel)
	assert.Equal(t, true, event.Data["connected"])

	w, _ := b.do(t, http.MethodPost, "/api/purchases", coinsBody())
	require.Equal(t, http.StatusAccepted, w.Code)
	event = readEvent(t, conn)
	assert.Equal(t, "purchase-updated", event.Channel)
	assert.Equal(t, "coins_100", event.Data["productId"])
}

func TestStreamEventsUnsubscribesOnClose(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	conn := dialEvents(t, b)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return b.client.Events().PromotedProduct.Subscribers() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNativeCallbackIngress(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{NativeIngress: true})
	conn := dialEvents(t, b)

	w, _ := b.do(t, http.MethodPost, "/api/native/android/promoted-product?product_id=premium", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	event := readEvent(t, conn)
	assert.Equal(t, "promoted-product", event.Channel)
	assert.Equal(t, "premium", event.Data["productId"])

	w, _ = b.do(t, http.MethodPost, "/api/native/android/purchase-updated", "{broken")
	require.Equal(t, http.StatusAccepted, w.Code)
	event = readEvent(t, conn)
	assert.Equal(t, "purchase-error", event.Channel)
	assert.Equal(t, "parse-failed", event.Data["code"])

	w, _ = b.do(t, http.MethodPost, "/api/native/android/user-choice-billing",
		`{"products":["coins_100"],"externalTransactionToken":"ext-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	event = readEvent(t, conn)
	assert.Equal(t, "user-choice-billing", event.Channel)
	assert.Equal(t, "ext-1", event.Data["externalTransactionToken"])
}

func TestNativeCallbackIngressDisabled(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	promoted := b.client.Events().PromotedProduct.Subscribe()
	defer promoted.Close()

	w, env := b.do(t, http.MethodPost, "/api/native/android/promoted-product?product_id=premium", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, env.Success)

	select {
	case id := <-promoted.C():
		t.Fatalf("unexpected promoted product %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNativeCallbackValidation(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{NativeIngress: true})

	cases := []struct {
		name   string
		target string
		status int
	}{
		{"unknown platform", "/api/native/windows/purchase-updated", http.StatusBadRequest},
		{"other platform", "/api/native/ios/purchase-updated", http.StatusConflict},
		{"unknown event", "/api/native/android/refund", http.StatusNotFound},
		{"promoted without product", "/api/native/android/promoted-product", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := b.do(t, http.MethodPost, tc.target, nil)
			assert.Equal(t, tc.status, w.Code)
			assert.False(t, env.Success)
		})
	}
}
