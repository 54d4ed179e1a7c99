package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"iap-bridge/internal/models"
	"iap-bridge/internal/native"
)

// StoreKitStore is the iOS variant of Store
type StoreKitStore struct {
	kit native.StoreKit
}

// NewStoreKitStore wraps a StoreKit boundary implementation
func NewStoreKitStore(kit native.StoreKit) *StoreKitStore {
	return &StoreKitStore{kit: kit}
}

func (s *StoreKitStore) Platform() models.Platform { return models.PlatformIOS }

func (s *StoreKitStore) SetListener(listener native.Listener) {
	s.kit.SetListener(listener)
}

// Connect confirms StoreKit can take payments and starts the transaction
// observer. StoreKit has no billing programs; anything but none is refused.
func (s *StoreKitStore) Connect(ctx context.Context, program models.BillingProgram) error {
	if program != models.BillingProgramNone && program != "" {
		return models.NewPurchaseError(models.ErrorCodeFeatureNotSupported,
			"billing program %s is not available on iOS", program)
	}

	canPay, err := s.kit.CanMakePayments(ctx)
	if err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}
	if !canPay {
		return &models.PurchaseError{
			Code:     models.ErrorCodeBillingUnavailable,
			Message:  "payments are disabled on this device",
			Platform: models.PlatformIOS,
		}
	}

	if err := s.kit.StartTransactionObserver(ctx); err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}
	return nil
}

func (s *StoreKitStore) Disconnect(ctx context.Context) error {
	if err := s.kit.StopTransactionObserver(ctx); err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}
	return nil
}

// FetchProducts loads products; StoreKit has no type filter so the query
// type is applied to the decoded products
func (s *StoreKitStore) FetchProducts(ctx context.Context, query ProductQuery) ([]models.Product, error) {
	raw, err := s.kit.Products(ctx, query.SKUs)
	if err != nil {
		return nil, normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}

	var documents []storeKitProduct
	if err := json.Unmarshal(raw, &documents); err != nil {
		return nil, parseError(models.PlatformIOS, "products", err)
	}

	products := make([]models.Product, 0, len(documents))
	for _, doc := range documents {
		product := doc.toModel()
		if query.Type.Matches(product.Type) {
			products = append(products, product)
		}
	}
	return products, nil
}

func (s *StoreKitStore) RequestPurchase(ctx context.Context, payload PurchasePayload) error {
	iosPayload, ok := payload.(*IOSPurchasePayload)
	if !ok {
		return models.NewPurchaseError(models.ErrorCodeDeveloperError, "expected an iOS purchase payload, got %s", payload.Platform())
	}
	if err := s.kit.Purchase(ctx, iosPayload.Params); err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeUnknown).WithProduct(iosPayload.Params.ProductID)
	}
	return nil
}

// PlanFinish always finishes: StoreKit does not track consumption apart
// from finishing the transaction
func (s *StoreKitStore) PlanFinish(purchase models.Purchase, isConsumable bool) (FinishAction, error) {
	if _, ok := purchase.(*models.PurchaseIOS); !ok {
		return "", models.NewPurchaseError(models.ErrorCodeDeveloperError, "cannot finish a %s purchase on iOS", purchase.Common().Platform)
	}
	if isConsumable && models.IsSubscription(purchase) {
		return "", models.NewPurchaseError(models.ErrorCodeDeveloperError,
			"subscription %s cannot be finished as consumable", purchase.Common().ProductID)
	}
	return FinishActionFinish, nil
}

func (s *StoreKitStore) Finish(ctx context.Context, purchase models.Purchase, action FinishAction) error {
	if action == FinishActionNone {
		return nil
	}
	if action != FinishActionFinish {
		return models.NewPurchaseError(models.ErrorCodeDeveloperError, "finish action %s is not supported on iOS", action)
	}
	if err := s.kit.Finish(ctx, purchase.Common().ID); err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeUnknown).WithProduct(purchase.Common().ProductID)
	}
	return nil
}

func (s *StoreKitStore) AvailablePurchases(ctx context.Context) ([]models.Purchase, error) {
	raw, err := s.kit.CurrentEntitlements(ctx)
	if err != nil {
		return nil, normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}

	var documents []json.RawMessage
	if err := json.Unmarshal(raw, &documents); err != nil {
		return nil, parseError(models.PlatformIOS, "entitlements", err)
	}

	purchases := make([]models.Purchase, 0, len(documents))
	for _, doc := range documents {
		purchase, err := s.DecodePurchase(doc)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

// Restore syncs transactions with the App Store
func (s *StoreKitStore) Restore(ctx context.Context) error {
	if err := s.kit.Sync(ctx); err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}
	return nil
}

func (s *StoreKitStore) Storefront(ctx context.Context) (string, error) {
	storefront, err := s.kit.Storefront(ctx)
	if err != nil {
		return "", normalizeError(err, models.PlatformIOS, models.ErrorCodeServiceUnavailable)
	}
	return storefront, nil
}

func (s *StoreKitStore) CanPresentExternalPurchaseNotice(ctx context.Context) (bool, error) {
	ok, err := s.kit.CanPresentExternalPurchaseNotice(ctx)
	if err != nil {
		return false, normalizeError(err, models.PlatformIOS, models.ErrorCodeFeatureNotSupported)
	}
	return ok, nil
}

func (s *StoreKitStore) PresentExternalPurchaseNoticeSheet(ctx context.Context) (models.ExternalPurchaseNoticeResult, error) {
	action, err := s.kit.PresentExternalPurchaseNoticeSheet(ctx)
	if err != nil {
		normalized := normalizeError(err, models.PlatformIOS, models.ErrorCodeUnknown)
		return models.ExternalPurchaseNoticeResult{Action: models.ExternalPurchaseNoticeDismissed, Error: normalized.Message}, normalized
	}

	switch models.ExternalPurchaseNoticeAction(action) {
	case models.ExternalPurchaseNoticeContinue:
		return models.ExternalPurchaseNoticeResult{Action: models.ExternalPurchaseNoticeContinue}, nil
	case models.ExternalPurchaseNoticeDismissed:
		return models.ExternalPurchaseNoticeResult{Action: models.ExternalPurchaseNoticeDismissed}, nil
	}
	err = parseError(models.PlatformIOS, "notice sheet result", fmt.Errorf("unexpected action %q", action))
	return models.ExternalPurchaseNoticeResult{Action: models.ExternalPurchaseNoticeDismissed, Error: err.Error()}, err
}

func (s *StoreKitStore) PresentExternalPurchaseLink(ctx context.Context, url string) error {
	if err := s.kit.PresentExternalPurchaseLink(ctx, url); err != nil {
		return normalizeError(err, models.PlatformIOS, models.ErrorCodeUnknown)
	}
	return nil
}

// DecodePurchase decodes a StoreKit transaction document
func (s *StoreKitStore) DecodePurchase(payload []byte) (models.Purchase, error) {
	var doc storeKitTransaction
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, parseError(models.PlatformIOS, "transaction", err)
	}
	if doc.ID == "" || doc.ProductID == "" {
		return nil, parseError(models.PlatformIOS, "transaction", fmt.Errorf("missing id or productID"))
	}
	return doc.toModel(), nil
}

// DecodePurchaseError decodes a StoreKit purchase failure document
func (s *StoreKitStore) DecodePurchaseError(payload []byte) (*models.PurchaseError, error) {
	var doc storeKitError
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, parseError(models.PlatformIOS, "purchase error", err)
	}
	normalized := normalizeError(&native.Error{
		Domain:  "storekit",
		Code:    doc.Code,
		Kind:    doc.Kind,
		Message: doc.Message,
	}, models.PlatformIOS, models.ErrorCodeUnknown)
	normalized.ProductID = doc.ProductID
	return normalized, nil
}

type storeKitProduct struct {
	ID                 string  `json:"id"`
	DisplayName        string  `json:"displayName"`
	Description        string  `json:"description"`
	DisplayPrice       string  `json:"displayPrice"`
	Price              float64 `json:"price"`
	CurrencyCode       string  `json:"currencyCode"`
	Type               string  `json:"type"`
	IsFamilyShareable  bool    `json:"isFamilyShareable"`
	JSONRepresentation string  `json:"jsonRepresentation"`
	Subscription       *struct {
		SubscriptionGroupID string `json:"subscriptionGroupID"`
		SubscriptionPeriod  struct {
			Unit  string `json:"unit"`
			Value int    `json:"value"`
		} `json:"subscriptionPeriod"`
		IntroductoryOffer *storeKitDiscount  `json:"introductoryOffer"`
		PromotionalOffers []storeKitDiscount `json:"promotionalOffers"`
	} `json:"subscription"`
}

type storeKitDiscount struct {
	ID           string  `json:"id"`
	DisplayPrice string  `json:"displayPrice"`
	Price        float64 `json:"price"`
	PaymentMode  string  `json:"paymentMode"`
	Period       struct {
		Unit  string `json:"unit"`
		Value int    `json:"value"`
	} `json:"period"`
	PeriodCount int `json:"periodCount"`
}

func (d storeKitDiscount) toModel() models.DiscountIOS {
	return models.DiscountIOS{
		ID:           d.ID,
		DisplayPrice: d.DisplayPrice,
		Price:        d.Price,
		PaymentMode:  d.PaymentMode,
		PeriodUnit:   d.Period.Unit,
		PeriodCount:  d.PeriodCount,
	}
}

func (p storeKitProduct) toModel() *models.ProductIOS {
	productType := models.ProductTypeInApp
	if p.Type == "autoRenewable" {
		productType = models.ProductTypeSubs
	}

	product := &models.ProductIOS{
		ProductCommon: models.ProductCommon{
			ID:           p.ID,
			Title:        p.DisplayName,
			Description:  p.Description,
			DisplayPrice: p.DisplayPrice,
			Currency:     p.CurrencyCode,
			Price:        p.Price,
			Type:         productType,
			Platform:     models.PlatformIOS,
		},
		DisplayName:        p.DisplayName,
		IsFamilyShareable:  p.IsFamilyShareable,
		JSONRepresentation: p.JSONRepresentation,
	}

	if p.Subscription != nil {
		info := &models.SubscriptionInfoIOS{
			SubscriptionGroupID: p.Subscription.SubscriptionGroupID,
			PeriodUnit:          p.Subscription.SubscriptionPeriod.Unit,
			PeriodValue:         p.Subscription.SubscriptionPeriod.Value,
		}
		if p.Subscription.IntroductoryOffer != nil {
			intro := p.Subscription.IntroductoryOffer.toModel()
			info.IntroductoryOffer = &intro
		}
		for _, offer := range p.Subscription.PromotionalOffers {
			info.PromotionalOffers = append(info.PromotionalOffers, offer.toModel())
		}
		product.Subscription = info
	}
	return product
}

// storeKitTransaction mirrors the fields of a StoreKit 2 Transaction;
// dates are epoch milliseconds
type storeKitTransaction struct {
	ID                  string `json:"id"`
	OriginalID          string `json:"originalID"`
	ProductID           string `json:"productID"`
	PurchaseDate        int64  `json:"purchaseDate"`
	ExpirationDate      *int64 `json:"expirationDate"`
	RevocationDate      *int64 `json:"revocationDate"`
	Quantity            int    `json:"purchasedQuantity"`
	AppAccountToken     string `json:"appAccountToken"`
	Environment         string `json:"environment"`
	SubscriptionGroupID string `json:"subscriptionGroupID"`
	OwnershipType       string `json:"ownershipType"`
	IsUpgraded          bool   `json:"isUpgraded"`
	JWSRepresentation   string `json:"jwsRepresentation"`
	State               string `json:"state"`
}

func (t storeKitTransaction) toModel() *models.PurchaseIOS {
	state := models.PurchaseStatePurchased
	switch t.State {
	case "restored":
		state = models.PurchaseStateRestored
	case "pending":
		state = models.PurchaseStatePending
	case "deferred":
		state = models.PurchaseStateDeferred
	}
	if t.RevocationDate != nil {
		state = models.PurchaseStateFailed
	}

	quantity := t.Quantity
	if quantity == 0 {
		quantity = 1
	}

	purchase := &models.PurchaseIOS{
		PurchaseCommon: models.PurchaseCommon{
			ID:              t.ID,
			TransactionID:   t.ID,
			ProductID:       t.ProductID,
			IDs:             []string{t.ProductID},
			TransactionDate: msToTime(t.PurchaseDate),
			PurchaseToken:   t.JWSRepresentation,
			Platform:        models.PlatformIOS,
			State:           state,
		},
		OriginalTransactionID: t.OriginalID,
		Quantity:              quantity,
		AppAccountToken:       t.AppAccountToken,
		Environment:           t.Environment,
		SubscriptionGroupID:   t.SubscriptionGroupID,
		OwnershipType:         t.OwnershipType,
		IsUpgraded:            t.IsUpgraded,
	}
	if t.ExpirationDate != nil {
		expires := msToTime(*t.ExpirationDate)
		purchase.ExpirationDate = &expires
	}
	if t.RevocationDate != nil {
		revoked := msToTime(*t.RevocationDate)
		purchase.RevocationDate = &revoked
	}
	return purchase
}

type storeKitError struct {
	Code      int    `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	ProductID string `json:"productId"`
}

func parseError(platform models.Platform, what string, err error) *models.PurchaseError {
	return &models.PurchaseError{
		Code:         models.ErrorCodeParseFailed,
		Message:      fmt.Sprintf("failed to parse native %s payload", what),
		DebugMessage: err.Error(),
		Platform:     platform,
	}
}
