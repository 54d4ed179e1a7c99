package services

import (
	"context"
	"testing"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/native/sandbox"
	"iap-bridge/internal/platform"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 2 * time.Second

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, err := NewMetrics("test", prometheus.NewRegistry())
	require.NoError(t, err)
	return metrics
}

func newAndroidClient(t *testing.T, options ClientOptions) (*sandbox.Simulator, *Client) {
	t.Helper()
	sim := sandbox.New(sandbox.DefaultCatalog()...)
	client := NewClient(platform.NewPlayBillingStore(sim.BillingClient()), options)
	t.Cleanup(func() { client.Close(context.Background()) })
	return sim, client
}

func newIOSClient(t *testing.T, options ClientOptions) (*sandbox.Simulator, *Client) {
	t.Helper()
	sim := sandbox.New(sandbox.DefaultCatalog()...)
	client := NewClient(platform.NewStoreKitStore(sim.StoreKit()), options)
	t.Cleanup(func() { client.Close(context.Background()) })
	return sim, client
}

func connect(t *testing.T, client *Client, program models.BillingProgram) {
	t.Helper()
	ok, err := client.InitConnection(context.Background(), &models.ConnectionConfig{BillingProgram: program})
	require.NoError(t, err)
	require.True(t, ok)
}

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case event, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(eventTimeout):
		t.Fatalf("no event on %s within %s", sub.topic.Name(), eventTimeout)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, sub *Subscription[T], wait time.Duration) {
	t.Helper()
	select {
	case event, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event on %s: %+v", sub.topic.Name(), event)
		}
	case <-time.After(wait):
	}
}

func coinsRequest() PurchaseRequest {
	return *NewPurchaseRequest(models.ProductTypeInApp).
		ForIOS(IOSPurchaseOptions{SKU: "coins_100"}).
		ForAndroid(AndroidPurchaseOptions{SKUs: []string{"coins_100"}})
}

func premiumRequest() PurchaseRequest {
	return *NewPurchaseRequest(models.ProductTypeSubs).
		ForIOS(IOSPurchaseOptions{SKU: "premium"}).
		ForAndroid(AndroidPurchaseOptions{
			SKUs: []string{"premium"},
			SubscriptionOffers: []SubscriptionOffer{
				{SKU: "premium", OfferToken: sandbox.OfferToken("premium", "monthly", "")},
			},
		})
}

func buy(t *testing.T, client *Client, request PurchaseRequest) models.Purchase {
	t.Helper()
	outcome, err := client.RequestPurchaseAndWait(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, outcome.Purchase)
	return outcome.Purchase
}
