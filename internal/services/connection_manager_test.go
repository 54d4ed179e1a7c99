package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/native"
	"iap-bridge/internal/native/sandbox"
	"iap-bridge/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConnectionTwiceConnectsOnce(t *testing.T) {
	sim, client := newAndroidClient(t, ClientOptions{})
	states := client.Events().ConnectionState.Subscribe()

	connect(t, client, models.BillingProgramNone)
	connect(t, client, models.BillingProgramNone)

	assert.Equal(t, 1, sim.Calls("StartConnection"))
	assert.Equal(t, models.ConnectionResult{Connected: true}, receive(t, states))
	expectNone(t, states, 50*time.Millisecond)
}

func TestConcurrentInitConnectionSharesOneAttempt(t *testing.T) {
	sim, client := newAndroidClient(t, ClientOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := client.InitConnection(context.Background(), &models.ConnectionConfig{})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sim.Calls("StartConnection"))
	assert.True(t, client.Connected())
}

func TestInitConnectionFailurePublishesState(t *testing.T) {
	sim, client := newAndroidClient(t, ClientOptions{})
	states := client.Events().ConnectionState.Subscribe()
	sim.FailNext("StartConnection", &native.Error{Domain: "billing", Code: 3, Message: "billing unavailable"})

	ok, err := client.InitConnection(context.Background(), &models.ConnectionConfig{})
	require.Error(t, err)
	assert.False(t, ok)
	assert.False(t, client.Connected())

	state := receive(t, states)
	assert.False(t, state.Connected)
	assert.NotEmpty(t, state.Message)

	connect(t, client, models.BillingProgramNone)
	assert.Equal(t, 2, sim.Calls("StartConnection"))
}

func TestInitConnectionUsesLegacyMode(t *testing.T) {
	sim, client := newAndroidClient(t, ClientOptions{})

	ok, err := client.InitConnection(context.Background(), &models.ConnectionConfig{
		AlternativeBillingMode: models.AlternativeBillingModeUserChoice,
	})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, models.BillingProgramUserChoice, client.Program())
	assert.Equal(t, string(models.BillingProgramUserChoice), sim.Program())
}

func TestEndConnection(t *testing.T) {
	sim, client := newAndroidClient(t, ClientOptions{})
	connect(t, client, models.BillingProgramExternalOffer)
	states := client.Events().ConnectionState.Subscribe()

	require.NoError(t, client.EndConnection(context.Background()))
	assert.False(t, client.Connected())
	assert.Equal(t, models.BillingProgramNone, client.Program())
	assert.Equal(t, models.ConnectionResult{Connected: false, Message: "connection ended"}, receive(t, states))

	require.NoError(t, client.EndConnection(context.Background()))
	assert.Equal(t, 1, sim.Calls("EndConnection"))
}

func TestServiceDisconnectClearsConnection(t *testing.T) {
	sim, client := newAndroidClient(t, ClientOptions{})
	connect(t, client, models.BillingProgramNone)
	states := client.Events().ConnectionState.Subscribe()

	sim.DropService("binder died")

	assert.Equal(t, models.ConnectionResult{Connected: false, Message: "binder died"}, receive(t, states))
	assert.False(t, client.Connected())

	_, err := client.GetAvailablePurchases(context.Background())
	assert.True(t, models.HasCode(err, models.ErrorCodeNotInitialized))

	connect(t, client, models.BillingProgramNone)
	assert.Equal(t, 2, sim.Calls("StartConnection"))
}

func TestOperationsRequireConnection(t *testing.T) {
	_, client := newAndroidClient(t, ClientOptions{})
	ctx := context.Background()

	_, err := client.FetchProducts(ctx, ProductRequest{SKUs: []string{"coins_100"}})
	assert.True(t, models.HasCode(err, models.ErrorCodeNotInitialized))

	err = client.RequestPurchase(ctx, coinsRequest())
	assert.True(t, models.HasCode(err, models.ErrorCodeNotInitialized))

	_, err = client.GetActiveSubscriptions(ctx, nil)
	assert.True(t, models.HasCode(err, models.ErrorCodeNotInitialized))

	var purchaseErr *models.PurchaseError
	require.ErrorAs(t, err, &purchaseErr)
	assert.Equal(t, models.PlatformAndroid, purchaseErr.Platform)
}

func TestStoreKitConnectWithoutPayments(t *testing.T) {
	sim, client := newIOSClient(t, ClientOptions{})
	sim.SetCanMakePayments(false)

	ok, err := client.InitConnection(context.Background(), &models.ConnectionConfig{})
	assert.False(t, ok)
	assert.True(t, models.HasCode(err, models.ErrorCodeBillingUnavailable))
	assert.False(t, client.Connected())
}

// gatedBilling holds StartConnection until release is closed
type gatedBilling struct {
	*sandbox.BillingClient
	entered chan struct{}
	release chan struct{}
}

func (g gatedBilling) StartConnection(ctx context.Context, params native.BillingConnectionParams) error {
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.BillingClient.StartConnection(ctx, params)
}

func TestCancelledCallerDoesNotAbortSharedConnect(t *testing.T) {
	sim := sandbox.New(sandbox.DefaultCatalog()...)
	gate := gatedBilling{BillingClient: sim.BillingClient(), entered: make(chan struct{}), release: make(chan struct{})}
	client := NewClient(platform.NewPlayBillingStore(gate), ClientOptions{})
	t.Cleanup(func() { client.Close(context.Background()) })

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := client.InitConnection(firstCtx, &models.ConnectionConfig{})
		first <- err
	}()
	<-gate.entered

	second := make(chan error, 1)
	go func() {
		_, err := client.InitConnection(context.Background(), &models.ConnectionConfig{})
		second <- err
	}()

	cancelFirst()
	select {
	case err := <-first:
		assert.True(t, models.HasCode(err, models.ErrorCodeServiceUnavailable))
	case <-time.After(eventTimeout):
		t.Fatal("cancelled caller kept waiting")
	}

	close(gate.release)
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("second caller never returned")
	}
	assert.True(t, client.Connected())
	assert.Equal(t, 1, sim.Calls("StartConnection"))
}
