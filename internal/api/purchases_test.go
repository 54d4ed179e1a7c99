package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"iap-bridge/internal/native/sandbox"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLifecycle(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})

	w, env := b.do(t, http.MethodGet, "/api/connection/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, false, status["connected"])
	assert.Equal(t, "android", status["platform"])

	b.connect(t, "user-choice")
	_, env = b.do(t, http.MethodGet, "/api/connection/status", nil)
	status = decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "user-choice", status["billingProgram"])

	w, _ = b.do(t, http.MethodPost, "/api/connection/end", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, b.client.Connected())
}

func TestInitConnectionRejectsUnknownProgram(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})

	w, env := b.do(t, http.MethodPost, "/api/connection/init", gin.H{"billingProgram": "barter"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, 0, b.sim.Calls("StartConnection"))
}

func TestOperationsBeforeInitConnection(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})

	w, env := b.do(t, http.MethodPost, "/api/products", gin.H{"skus": []string{"coins_100"}})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not-initialized", env.Error.Code)
}

func TestFetchProducts(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")

	w, env := b.do(t, http.MethodPost, "/api/products", gin.H{"skus": []string{"coins_100", "remove_ads"}, "type": "in-app"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	products := decode[[]map[string]interface{}](t, env.Data)
	require.Len(t, products, 2)
	ids := []interface{}{products[0]["id"], products[1]["id"]}
	assert.ElementsMatch(t, []interface{}{"coins_100", "remove_ads"}, ids)
}

func TestPurchaseWaitAndFinish(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")

	w, env := b.do(t, http.MethodPost, "/api/purchases/wait", coinsBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[struct {
		Kind    string `json:"kind"`
		Outcome struct {
			Purchase json.RawMessage `json:"purchase"`
		} `json:"outcome"`
	}](t, env.Data)
	assert.Equal(t, "purchase-updated", result.Kind)
	require.NotEmpty(t, result.Outcome.Purchase)

	w, env = b.do(t, http.MethodPost, "/api/transactions/finish", gin.H{
		"purchase":     result.Outcome.Purchase,
		"isConsumable": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode[map[string]interface{}](t, env.Data)["finished"])
	assert.Equal(t, 1, b.sim.Calls("Consume"))

	// a second finish is a no-op
	w, _ = b.do(t, http.MethodPost, "/api/transactions/finish", gin.H{
		"purchase":     result.Outcome.Purchase,
		"isConsumable": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, b.sim.Calls("Consume"))
}

func TestPurchaseWaitCancelled(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")
	b.sim.QueueOutcome(sandbox.OutcomeCancelled)

	w, env := b.do(t, http.MethodPost, "/api/purchases/wait", coinsBody())
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "user-cancelled", env.Error.Code)
	assert.Equal(t, "purchase-error", decode[map[string]interface{}](t, env.Data)["kind"])
}

func TestRequestPurchaseIsAccepted(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")
	updates := b.client.Events().PurchaseUpdated.Subscribe()
	defer updates.Close()

	w, _ := b.do(t, http.MethodPost, "/api/purchases", coinsBody())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	purchase := <-updates.C()
	assert.Equal(t, "coins_100", purchase.Common().ProductID)
}

func TestRequestPurchaseValidation(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")

	w, env := b.do(t, http.MethodPost, "/api/purchases", gin.H{"type": "in-app", "android": gin.H{"skus": []string{}}})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	require.NotNil(t, env.Error)
	assert.Equal(t, "developer-error", env.Error.Code)

	w, _ = b.do(t, http.MethodPost, "/api/purchases", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFinishRejectsUndecodablePurchase(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")

	w, env := b.do(t, http.MethodPost, "/api/transactions/finish", gin.H{"purchase": gin.H{"platform": "windows"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "parse-failed", env.Error.Code)
}

func TestAvailablePurchasesAndSubscriptions(t *testing.T) {
	b := newBridge(t, true, HandlerOptions{})
	b.connect(t, "")

	w, _ := b.do(t, http.MethodPost, "/api/purchases/wait", gin.H{
		"type": "subs",
		"android": gin.H{
			"skus": []string{"premium"},
			"subscriptionOffers": []gin.H{
				{"sku": "premium", "offerToken": sandbox.OfferToken("premium", "monthly", "")},
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := b.do(t, http.MethodGet, "/api/purchases/available", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]interface{}](t, env.Data), 1)

	w, env = b.do(t, http.MethodGet, "/api/subscriptions/active?skus=premium", nil)
	require.Equal(t, http.StatusOK, w.Code)
	active := decode[struct {
		HasActive     bool                     `json:"hasActive"`
		Subscriptions []map[string]interface{} `json:"subscriptions"`
	}](t, env.Data)
	assert.True(t, active.HasActive)
	require.Len(t, active.Subscriptions, 1)

	w, env = b.do(t, http.MethodGet, "/api/purchases/overdue-acknowledgements?within_hours=72", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]interface{}](t, env.Data), 1)

	w, _ = b.do(t, http.MethodGet, "/api/purchases/overdue-acknowledgements?within_hours=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStorefront(t *testing.T) {
	ios := newBridge(t, false, HandlerOptions{})
	ios.connect(t, "")
	w, env := ios.do(t, http.MethodGet, "/api/storefront", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "USA", decode[map[string]interface{}](t, env.Data)["countryCode"])

	android := newBridge(t, true, HandlerOptions{})
	android.connect(t, "")
	w, env = android.do(t, http.MethodGet, "/api/storefront", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "feature-not-supported", env.Error.Code)
}
