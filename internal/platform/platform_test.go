package platform

import (
	"context"
	"errors"
	"testing"

	"iap-bridge/internal/models"
	"iap-bridge/internal/native"
	"iap-bridge/internal/native/sandbox"

	"github.com/stretchr/testify/require"
)

func TestNormalizeError(t *testing.T) {
	t.Run("billing response code", func(t *testing.T) {
		err := normalizeError(&native.Error{Domain: "billing", Code: models.BillingResponseItemAlreadyOwned}, models.PlatformAndroid, models.ErrorCodeUnknown)
		require.Equal(t, models.ErrorCodeAlreadyOwned, err.Code)
		require.Equal(t, models.BillingResponseItemAlreadyOwned, *err.ResponseCode)
		require.Equal(t, string(models.ErrorCodeAlreadyOwned), err.Message)
	})

	t.Run("storekit kind wins over code", func(t *testing.T) {
		err := normalizeError(&native.Error{Domain: "storekit", Code: 0, Kind: "userCancelled"}, models.PlatformIOS, models.ErrorCodeUnknown)
		require.Equal(t, models.ErrorCodeUserCancelled, err.Code)
		require.Nil(t, err.ResponseCode)
	})

	t.Run("storekit code", func(t *testing.T) {
		err := normalizeError(&native.Error{Domain: "storekit", Code: models.SKErrorStoreProductNotAvailable}, models.PlatformIOS, models.ErrorCodeUnknown)
		require.Equal(t, models.ErrorCodeItemUnavailable, err.Code)
	})

	t.Run("context cancellation", func(t *testing.T) {
		err := normalizeError(context.Canceled, models.PlatformAndroid, models.ErrorCodeUnknown)
		require.Equal(t, models.ErrorCodeServiceUnavailable, err.Code)
	})

	t.Run("foreign error uses fallback", func(t *testing.T) {
		err := normalizeError(errors.New("boom"), models.PlatformIOS, models.ErrorCodeNetworkError)
		require.Equal(t, models.ErrorCodeNetworkError, err.Code)
		require.Equal(t, models.PlatformIOS, err.Platform)
	})

	t.Run("purchase errors pass through", func(t *testing.T) {
		original := models.NewPurchaseError(models.ErrorCodePending, "waiting")
		require.Same(t, original, normalizeError(original, models.PlatformIOS, models.ErrorCodeUnknown))
	})
}

func TestPlayProductsRoundTripType(t *testing.T) {
	sim := sandbox.New(sandbox.DefaultCatalog()...)
	store := NewPlayBillingStore(sim.BillingClient())
	ctx := context.Background()
	require.NoError(t, store.Connect(ctx, models.BillingProgramNone))

	products, err := store.FetchProducts(ctx, ProductQuery{SKUs: []string{"coins_100", "premium"}, Type: models.ProductQueryAll})
	require.NoError(t, err)
	require.Len(t, products, 2)

	byID := map[string]models.Product{}
	for _, product := range products {
		byID[product.Common().ID] = product
	}
	require.Equal(t, models.ProductTypeInApp, byID["coins_100"].Common().Type)
	require.Equal(t, "0.99 USD", byID["coins_100"].Common().DisplayPrice)

	premium, ok := byID["premium"].(*models.ProductAndroid)
	require.True(t, ok)
	require.Equal(t, models.ProductTypeSubs, premium.Type)
	require.Equal(t, 4.99, premium.Price)
	token, ok := premium.OfferToken("yearly")
	require.True(t, ok)
	require.Equal(t, sandbox.OfferToken("premium", "yearly", ""), token)

	subsOnly, err := store.FetchProducts(ctx, ProductQuery{SKUs: []string{"coins_100", "premium"}, Type: models.ProductQuerySubs})
	require.NoError(t, err)
	require.Len(t, subsOnly, 1)
	require.Equal(t, "premium", subsOnly[0].Common().ID)
}

func TestStoreKitProductsRoundTripType(t *testing.T) {
	store := NewStoreKitStore(sandbox.New(sandbox.DefaultCatalog()...).StoreKit())

	products, err := store.FetchProducts(context.Background(), ProductQuery{SKUs: []string{"premium", "remove_ads"}})
	require.NoError(t, err)
	require.Len(t, products, 2)

	premium, ok := products[0].(*models.ProductIOS)
	require.True(t, ok)
	require.Equal(t, models.ProductTypeSubs, premium.Type)
	require.NotNil(t, premium.Subscription)
	require.NotNil(t, premium.Subscription.IntroductoryOffer)
	require.Equal(t, models.ProductTypeInApp, products[1].Common().Type)
}

func TestStoreKitConnectRefusesPrograms(t *testing.T) {
	store := NewStoreKitStore(sandbox.New().StoreKit())

	err := store.Connect(context.Background(), models.BillingProgramExternalOffer)
	require.True(t, models.HasCode(err, models.ErrorCodeFeatureNotSupported))
}

func TestStoreKitConnectNeedsPayments(t *testing.T) {
	sim := sandbox.New()
	sim.SetCanMakePayments(false)
	store := NewStoreKitStore(sim.StoreKit())

	err := store.Connect(context.Background(), models.BillingProgramNone)
	require.True(t, models.HasCode(err, models.ErrorCodeBillingUnavailable))
}

func TestPlayPlanFinish(t *testing.T) {
	store := NewPlayBillingStore(sandbox.New().BillingClient())
	base := models.PurchaseCommon{ProductID: "coins_100", PurchaseToken: "tok", State: models.PurchaseStatePurchased}

	action, err := store.PlanFinish(&models.PurchaseAndroid{PurchaseCommon: base}, true)
	require.NoError(t, err)
	require.Equal(t, FinishActionConsume, action)

	action, err = store.PlanFinish(&models.PurchaseAndroid{PurchaseCommon: base}, false)
	require.NoError(t, err)
	require.Equal(t, FinishActionAcknowledge, action)

	action, err = store.PlanFinish(&models.PurchaseAndroid{PurchaseCommon: base, Acknowledged: true}, false)
	require.NoError(t, err)
	require.Equal(t, FinishActionNone, action)

	_, err = store.PlanFinish(&models.PurchaseAndroid{PurchaseCommon: base, AutoRenewing: true}, true)
	require.True(t, models.HasCode(err, models.ErrorCodeDeveloperError))

	pending := base
	pending.State = models.PurchaseStatePending
	_, err = store.PlanFinish(&models.PurchaseAndroid{PurchaseCommon: pending}, false)
	require.True(t, models.HasCode(err, models.ErrorCodePending))

	_, err = store.PlanFinish(&models.PurchaseIOS{PurchaseCommon: base}, false)
	require.True(t, models.HasCode(err, models.ErrorCodeDeveloperError))
}

func TestStoreKitPlanFinishRejectsConsumableSubscription(t *testing.T) {
	store := NewStoreKitStore(sandbox.New().StoreKit())
	purchase, err := store.DecodePurchase([]byte(`{"id":"1","productID":"premium","purchaseDate":0,"expirationDate":1800000000000}`))
	require.NoError(t, err)

	_, err = store.PlanFinish(purchase, true)
	require.True(t, models.HasCode(err, models.ErrorCodeDeveloperError))

	action, err := store.PlanFinish(purchase, false)
	require.NoError(t, err)
	require.Equal(t, FinishActionFinish, action)
}

func TestDecodeMalformedPayloads(t *testing.T) {
	play := NewPlayBillingStore(sandbox.New().BillingClient())
	kit := NewStoreKitStore(sandbox.New().StoreKit())

	_, err := play.DecodePurchase([]byte(`{"purchaseToken": 7`))
	require.True(t, models.HasCode(err, models.ErrorCodeParseFailed))

	_, err = play.DecodePurchase([]byte(`{"orderId":"GPA.1"}`))
	require.True(t, models.HasCode(err, models.ErrorCodeParseFailed))

	_, err = kit.DecodePurchase([]byte(`{"productID":"coins_100"}`))
	require.True(t, models.HasCode(err, models.ErrorCodeParseFailed))

	_, err = play.DecodePurchaseError([]byte(`{"debugMessage":"no code"}`))
	require.True(t, models.HasCode(err, models.ErrorCodeParseFailed))
}

func TestDecodePlayPurchase(t *testing.T) {
	store := NewPlayBillingStore(sandbox.New().BillingClient())

	purchase, err := store.DecodePurchase([]byte(`{
		"orderId": "GPA.1",
		"productIds": ["coins_100"],
		"purchaseTime": 1700000000000,
		"purchaseState": 2,
		"purchaseToken": "tok-1",
		"quantity": 3
	}`))
	require.NoError(t, err)

	android := purchase.(*models.PurchaseAndroid)
	require.Equal(t, models.PurchaseStatePending, android.State)
	require.Equal(t, "android:tok-1", android.Key())
	require.Equal(t, 3, android.Quantity)
	require.Equal(t, int64(1700000000000), android.TransactionDate.UnixMilli())
}

func TestDecodeStoreKitError(t *testing.T) {
	store := NewStoreKitStore(sandbox.New().StoreKit())

	purchaseErr, err := store.DecodePurchaseError([]byte(`{"code":2,"message":"cancelled","productId":"coins_100"}`))
	require.NoError(t, err)
	require.Equal(t, models.ErrorCodeUserCancelled, purchaseErr.Code)
	require.Equal(t, "coins_100", purchaseErr.ProductID)
	require.Equal(t, models.PlatformIOS, purchaseErr.Platform)
}

func TestAvailablePurchasesMarksSubscriptions(t *testing.T) {
	sim := sandbox.New(sandbox.DefaultCatalog()...)
	store := NewPlayBillingStore(sim.BillingClient())
	ctx := context.Background()
	require.NoError(t, store.Connect(ctx, models.BillingProgramNone))

	require.NoError(t, store.RequestPurchase(ctx, &AndroidPurchasePayload{
		Type: models.ProductTypeSubs,
		Params: native.BillingFlowParams{Products: []native.BillingFlowProduct{
			{ProductID: "premium", OfferToken: sandbox.OfferToken("premium", "monthly", "")},
		}},
	}))

	purchases, err := store.AvailablePurchases(ctx)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	require.True(t, models.IsSubscription(purchases[0]))
}

func TestCreateReportingToken(t *testing.T) {
	sim := sandbox.New()
	store := NewPlayBillingStore(sim.BillingClient())
	ctx := context.Background()
	require.NoError(t, store.Connect(ctx, models.BillingProgramExternalOffer))
	require.Equal(t, "external-offer", sim.Program())

	token, err := store.CreateReportingToken(ctx, models.BillingProgramExternalOffer)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}
