package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"iap-bridge/internal/models"
	"iap-bridge/internal/native"
)

// Play Purchase.PurchaseState values
const (
	playPurchaseStatePurchased = 1
	playPurchaseStatePending   = 2
)

// PlayBillingStore is the Android variant of Store
type PlayBillingStore struct {
	client native.BillingClient
}

// NewPlayBillingStore wraps a BillingClient boundary implementation
func NewPlayBillingStore(client native.BillingClient) *PlayBillingStore {
	return &PlayBillingStore{client: client}
}

func (s *PlayBillingStore) Platform() models.Platform { return models.PlatformAndroid }

func (s *PlayBillingStore) SetListener(listener native.Listener) {
	s.client.SetListener(listener)
}

// Connect binds the billing service with the program enabled up front
func (s *PlayBillingStore) Connect(ctx context.Context, program models.BillingProgram) error {
	params := native.BillingConnectionParams{EnablePendingPurchases: true}
	if program != models.BillingProgramNone {
		params.Program = string(program)
	}
	if err := s.client.StartConnection(ctx, params); err != nil {
		return normalizeError(err, models.PlatformAndroid, models.ErrorCodeServiceUnavailable)
	}
	return nil
}

func (s *PlayBillingStore) Disconnect(ctx context.Context) error {
	if err := s.client.EndConnection(ctx); err != nil {
		return normalizeError(err, models.PlatformAndroid, models.ErrorCodeServiceUnavailable)
	}
	return nil
}

// FetchProducts queries each Play product type the query covers
func (s *PlayBillingStore) FetchProducts(ctx context.Context, query ProductQuery) ([]models.Product, error) {
	var productTypes []string
	switch query.Type {
	case models.ProductQueryInApp:
		productTypes = []string{native.BillingProductTypeInApp}
	case models.ProductQuerySubs:
		productTypes = []string{native.BillingProductTypeSubs}
	default:
		productTypes = []string{native.BillingProductTypeInApp, native.BillingProductTypeSubs}
	}

	var products []models.Product
	for _, productType := range productTypes {
		raw, err := s.client.QueryProductDetails(ctx, productType, query.SKUs)
		if err != nil {
			return nil, normalizeError(err, models.PlatformAndroid, models.ErrorCodeServiceUnavailable)
		}

		var documents []playProductDetails
		if err := json.Unmarshal(raw, &documents); err != nil {
			return nil, parseError(models.PlatformAndroid, "product details", err)
		}
		for _, doc := range documents {
			product := doc.toModel()
			if query.Type.Matches(product.Type) {
				products = append(products, product)
			}
		}
	}
	return products, nil
}

func (s *PlayBillingStore) RequestPurchase(ctx context.Context, payload PurchasePayload) error {
	androidPayload, ok := payload.(*AndroidPurchasePayload)
	if !ok {
		return models.NewPurchaseError(models.ErrorCodeDeveloperError, "expected an Android purchase payload, got %s", payload.Platform())
	}
	if err := s.client.LaunchBillingFlow(ctx, androidPayload.Params); err != nil {
		normalized := normalizeError(err, models.PlatformAndroid, models.ErrorCodeUnknown)
		if ids := androidPayload.ProductIDs(); len(ids) > 0 {
			normalized = normalized.WithProduct(ids[0])
		}
		return normalized
	}
	return nil
}

// PlanFinish picks consume for consumables, acknowledge for anything not
// yet acknowledged and nothing for acknowledged non-consumables
func (s *PlayBillingStore) PlanFinish(purchase models.Purchase, isConsumable bool) (FinishAction, error) {
	android, ok := purchase.(*models.PurchaseAndroid)
	if !ok {
		return "", models.NewPurchaseError(models.ErrorCodeDeveloperError, "cannot finish a %s purchase on Android", purchase.Common().Platform)
	}
	if android.PurchaseToken == "" {
		return "", models.NewPurchaseError(models.ErrorCodeDeveloperError, "purchase %s has no purchase token", android.ProductID)
	}
	if android.State == models.PurchaseStatePending {
		return "", models.NewPurchaseError(models.ErrorCodePending,
			"purchase of %s is pending and cannot be finished yet", android.ProductID)
	}

	if isConsumable {
		if models.IsSubscription(purchase) {
			return "", models.NewPurchaseError(models.ErrorCodeDeveloperError,
				"subscription %s cannot be consumed", android.ProductID)
		}
		return FinishActionConsume, nil
	}
	if android.Acknowledged {
		return FinishActionNone, nil
	}
	return FinishActionAcknowledge, nil
}

func (s *PlayBillingStore) Finish(ctx context.Context, purchase models.Purchase, action FinishAction) error {
	android, ok := purchase.(*models.PurchaseAndroid)
	if !ok {
		return models.NewPurchaseError(models.ErrorCodeDeveloperError, "cannot finish a %s purchase on Android", purchase.Common().Platform)
	}

	var err error
	switch action {
	case FinishActionNone:
		return nil
	case FinishActionConsume:
		err = s.client.Consume(ctx, android.PurchaseToken)
	case FinishActionAcknowledge:
		err = s.client.Acknowledge(ctx, android.PurchaseToken)
		if err == nil {
			android.Acknowledged = true
		}
	default:
		return models.NewPurchaseError(models.ErrorCodeDeveloperError, "finish action %s is not supported on Android", action)
	}
	if err != nil {
		return normalizeError(err, models.PlatformAndroid, models.ErrorCodeUnknown).WithProduct(android.ProductID)
	}
	return nil
}

// AvailablePurchases returns owned in-app products and subscriptions
func (s *PlayBillingStore) AvailablePurchases(ctx context.Context) ([]models.Purchase, error) {
	var purchases []models.Purchase
	for _, productType := range []string{native.BillingProductTypeInApp, native.BillingProductTypeSubs} {
		raw, err := s.client.QueryPurchases(ctx, productType)
		if err != nil {
			return nil, normalizeError(err, models.PlatformAndroid, models.ErrorCodeServiceUnavailable)
		}

		var documents []playPurchase
		if err := json.Unmarshal(raw, &documents); err != nil {
			return nil, parseError(models.PlatformAndroid, "purchases", err)
		}
		for _, doc := range documents {
			if productType == native.BillingProductTypeSubs {
				doc.IsSubscription = true
			}
			purchase, err := doc.toModel()
			if err != nil {
				return nil, err
			}
			purchases = append(purchases, purchase)
		}
	}
	return purchases, nil
}

// Restore is a no-op: Play always answers QueryPurchases from its ledger
func (s *PlayBillingStore) Restore(ctx context.Context) error {
	return nil
}

func (s *PlayBillingStore) Storefront(ctx context.Context) (string, error) {
	return "", models.NewPurchaseError(models.ErrorCodeFeatureNotSupported, "storefront lookup is not available on Android")
}

func (s *PlayBillingStore) IsBillingProgramAvailable(ctx context.Context, program models.BillingProgram) (bool, error) {
	available, err := s.client.IsBillingProgramAvailable(ctx, string(program))
	if err != nil {
		return false, normalizeError(err, models.PlatformAndroid, models.ErrorCodeServiceUnavailable)
	}
	return available, nil
}

func (s *PlayBillingStore) ShowExternalOfferInformationDialog(ctx context.Context) (bool, error) {
	accepted, err := s.client.ShowExternalOfferInformationDialog(ctx)
	if err != nil {
		return false, normalizeError(err, models.PlatformAndroid, models.ErrorCodeUnknown)
	}
	return accepted, nil
}

func (s *PlayBillingStore) CreateReportingToken(ctx context.Context, program models.BillingProgram) (string, error) {
	raw, err := s.client.CreateBillingProgramReportingDetails(ctx, string(program))
	if err != nil {
		return "", normalizeError(err, models.PlatformAndroid, models.ErrorCodeUnknown)
	}

	var details struct {
		ExternalTransactionToken string `json:"externalTransactionToken"`
	}
	if err := json.Unmarshal(raw, &details); err != nil {
		return "", parseError(models.PlatformAndroid, "reporting details", err)
	}
	if details.ExternalTransactionToken == "" {
		return "", parseError(models.PlatformAndroid, "reporting details", fmt.Errorf("missing externalTransactionToken"))
	}
	return details.ExternalTransactionToken, nil
}

// DecodePurchase decodes a Play Purchase document
func (s *PlayBillingStore) DecodePurchase(payload []byte) (models.Purchase, error) {
	var doc playPurchase
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, parseError(models.PlatformAndroid, "purchase", err)
	}
	purchase, err := doc.toModel()
	if err != nil {
		return nil, err
	}
	return purchase, nil
}

// DecodePurchaseError decodes a BillingResult document
func (s *PlayBillingStore) DecodePurchaseError(payload []byte) (*models.PurchaseError, error) {
	var doc struct {
		ResponseCode *int   `json:"responseCode"`
		DebugMessage string `json:"debugMessage"`
		ProductID    string `json:"productId"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, parseError(models.PlatformAndroid, "billing result", err)
	}
	if doc.ResponseCode == nil {
		return nil, parseError(models.PlatformAndroid, "billing result", fmt.Errorf("missing responseCode"))
	}

	normalized := normalizeError(&native.Error{
		Domain:       "billing",
		Code:         *doc.ResponseCode,
		DebugMessage: doc.DebugMessage,
	}, models.PlatformAndroid, models.ErrorCodeUnknown)
	normalized.ProductID = doc.ProductID
	return normalized, nil
}

type playProductDetails struct {
	ProductID                   string `json:"productId"`
	ProductType                 string `json:"productType"`
	Title                       string `json:"title"`
	Name                        string `json:"name"`
	Description                 string `json:"description"`
	OneTimePurchaseOfferDetails *struct {
		FormattedPrice    string `json:"formattedPrice"`
		PriceAmountMicros int64  `json:"priceAmountMicros"`
		PriceCurrencyCode string `json:"priceCurrencyCode"`
	} `json:"oneTimePurchaseOfferDetails"`
	SubscriptionOfferDetails []struct {
		BasePlanID    string   `json:"basePlanId"`
		OfferID       string   `json:"offerId"`
		OfferToken    string   `json:"offerToken"`
		OfferTags     []string `json:"offerTags"`
		PricingPhases []struct {
			BillingPeriod     string `json:"billingPeriod"`
			FormattedPrice    string `json:"formattedPrice"`
			PriceAmountMicros int64  `json:"priceAmountMicros"`
			PriceCurrencyCode string `json:"priceCurrencyCode"`
			BillingCycleCount int    `json:"billingCycleCount"`
			RecurrenceMode    int    `json:"recurrenceMode"`
		} `json:"pricingPhases"`
	} `json:"subscriptionOfferDetails"`
}

func (d playProductDetails) toModel() *models.ProductAndroid {
	product := &models.ProductAndroid{
		ProductCommon: models.ProductCommon{
			ID:          d.ProductID,
			Title:       d.Title,
			Description: d.Description,
			Type:        models.ProductTypeInApp,
			Platform:    models.PlatformAndroid,
		},
		Name: d.Name,
	}
	if d.ProductType == native.BillingProductTypeSubs {
		product.Type = models.ProductTypeSubs
	}

	if offer := d.OneTimePurchaseOfferDetails; offer != nil {
		product.OneTimePurchaseOffer = &models.OneTimePurchaseOffer{
			FormattedPrice:    offer.FormattedPrice,
			PriceAmountMicros: offer.PriceAmountMicros,
			PriceCurrencyCode: offer.PriceCurrencyCode,
		}
		product.DisplayPrice = offer.FormattedPrice
		product.Currency = offer.PriceCurrencyCode
		product.Price = microsToPrice(offer.PriceAmountMicros)
	}

	for _, offer := range d.SubscriptionOfferDetails {
		converted := models.SubscriptionOfferAndroid{
			BasePlanID: offer.BasePlanID,
			OfferID:    offer.OfferID,
			OfferToken: offer.OfferToken,
			OfferTags:  offer.OfferTags,
		}
		for _, phase := range offer.PricingPhases {
			converted.PricingPhases = append(converted.PricingPhases, models.PricingPhase{
				BillingPeriod:     phase.BillingPeriod,
				FormattedPrice:    phase.FormattedPrice,
				PriceAmountMicros: phase.PriceAmountMicros,
				PriceCurrencyCode: phase.PriceCurrencyCode,
				BillingCycleCount: phase.BillingCycleCount,
				RecurrenceMode:    phase.RecurrenceMode,
			})
		}
		product.SubscriptionOffers = append(product.SubscriptionOffers, converted)
	}

	// Subscriptions are priced by the last (recurring) phase of the base plan
	if product.DisplayPrice == "" {
		for _, offer := range product.SubscriptionOffers {
			if offer.OfferID != "" || len(offer.PricingPhases) == 0 {
				continue
			}
			phase := offer.PricingPhases[len(offer.PricingPhases)-1]
			product.DisplayPrice = phase.FormattedPrice
			product.Currency = phase.PriceCurrencyCode
			product.Price = microsToPrice(phase.PriceAmountMicros)
			break
		}
	}
	return product
}

func microsToPrice(micros int64) float64 {
	return float64(micros) / 1_000_000
}

// playPurchase mirrors Purchase.getOriginalJson plus the accessor values
// the host adds; purchaseTime is epoch milliseconds
type playPurchase struct {
	OrderID             string   `json:"orderId"`
	PackageName         string   `json:"packageName"`
	ProductID           string   `json:"productId"`
	ProductIDs          []string `json:"productIds"`
	PurchaseTime        int64    `json:"purchaseTime"`
	PurchaseState       int      `json:"purchaseState"`
	PurchaseToken       string   `json:"purchaseToken"`
	Acknowledged        bool     `json:"acknowledged"`
	AutoRenewing        bool     `json:"autoRenewing"`
	ObfuscatedAccountID string   `json:"obfuscatedAccountId"`
	ObfuscatedProfileID string   `json:"obfuscatedProfileId"`
	Quantity            int      `json:"quantity"`
	Signature           string   `json:"signature"`
	DeveloperPayload    string   `json:"developerPayload"`
	IsSubscription      bool     `json:"isSubscription"`
}

func (p playPurchase) toModel() (*models.PurchaseAndroid, error) {
	ids := p.ProductIDs
	if len(ids) == 0 && p.ProductID != "" {
		ids = []string{p.ProductID}
	}
	if len(ids) == 0 || p.PurchaseToken == "" {
		return nil, parseError(models.PlatformAndroid, "purchase", fmt.Errorf("missing productIds or purchaseToken"))
	}

	state := models.PurchaseStateUnknown
	switch p.PurchaseState {
	case playPurchaseStatePurchased:
		state = models.PurchaseStatePurchased
	case playPurchaseStatePending:
		state = models.PurchaseStatePending
	}

	id := p.OrderID
	if id == "" {
		// Pending and test purchases have no order id yet
		id = p.PurchaseToken
	}

	quantity := p.Quantity
	if quantity == 0 {
		quantity = 1
	}

	return &models.PurchaseAndroid{
		PurchaseCommon: models.PurchaseCommon{
			ID:              id,
			TransactionID:   id,
			ProductID:       ids[0],
			IDs:             ids,
			TransactionDate: msToTime(p.PurchaseTime),
			PurchaseToken:   p.PurchaseToken,
			Platform:        models.PlatformAndroid,
			State:           state,
		},
		OrderID:             p.OrderID,
		PackageName:         p.PackageName,
		Acknowledged:        p.Acknowledged,
		AutoRenewing:        p.AutoRenewing,
		Subscription:        p.IsSubscription,
		ObfuscatedAccountID: p.ObfuscatedAccountID,
		ObfuscatedProfileID: p.ObfuscatedProfileID,
		Signature:           p.Signature,
		Quantity:            quantity,
		DeveloperPayload:    p.DeveloperPayload,
	}, nil
}
