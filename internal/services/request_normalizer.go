package services

import (
	"iap-bridge/internal/models"
	"iap-bridge/internal/native"
	"iap-bridge/internal/platform"

	"github.com/google/uuid"
)

// ProductRequest describes a product fetch
type ProductRequest struct {
	SKUs []string                `json:"skus"`
	Type models.ProductQueryType `json:"type,omitempty"`
}

// PromotionalOffer is a signed App Store promotional offer
type PromotionalOffer struct {
	Identifier    string `json:"identifier"`
	KeyIdentifier string `json:"keyIdentifier"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
	Timestamp     int64  `json:"timestamp"`
}

// IOSPurchaseOptions is the iOS block of a purchase request
type IOSPurchaseOptions struct {
	SKU             string            `json:"sku"`
	Quantity        int               `json:"quantity,omitempty"`
	AppAccountToken string            `json:"appAccountToken,omitempty"`
	Offer           *PromotionalOffer `json:"withOffer,omitempty"`
	// AutoFinish finishes the transaction natively; the finisher is skipped
	AutoFinish bool `json:"andDangerouslyFinishTransactionAutomatically,omitempty"`
}

// SubscriptionOffer selects the offer token to buy a subscription with
type SubscriptionOffer struct {
	SKU        string `json:"sku"`
	OfferToken string `json:"offerToken"`
}

// DeveloperBillingOption offers the developer's own payment option next to
// Play billing under the external payments program
type DeveloperBillingOption struct {
	LinkURI    string `json:"linkUri"`
	LaunchMode string `json:"launchMode,omitempty"`
}

// Developer billing launch modes
const (
	LaunchModeExternalBrowserOrApp = "launch-in-external-browser-or-app"
	LaunchModeCallerWillLaunchLink = "caller-will-launch-link"
)

// AndroidPurchaseOptions is the Android block of a purchase request
type AndroidPurchaseOptions struct {
	SKUs                []string            `json:"skus"`
	ObfuscatedAccountID string              `json:"obfuscatedAccountIdAndroid,omitempty"`
	ObfuscatedProfileID string              `json:"obfuscatedProfileIdAndroid,omitempty"`
	IsOfferPersonalized bool                `json:"isOfferPersonalized,omitempty"`
	SubscriptionOffers  []SubscriptionOffer `json:"subscriptionOffers,omitempty"`
	// PurchaseToken is the token of the subscription being replaced
	PurchaseToken          string                  `json:"purchaseTokenAndroid,omitempty"`
	ReplacementMode        int                     `json:"replacementModeAndroid,omitempty"`
	DeveloperBillingOption *DeveloperBillingOption `json:"developerBillingOption,omitempty"`
}

// PurchaseRequest is the declarative purchase description; only the block
// of the running platform is used
type PurchaseRequest struct {
	Type    models.ProductType      `json:"type,omitempty"`
	IOS     *IOSPurchaseOptions     `json:"ios,omitempty"`
	Android *AndroidPurchaseOptions `json:"android,omitempty"`
	// UseAlternativeBilling expects the user-choice dialog; the outcome
	// may arrive on the user-choice-billing channel
	UseAlternativeBilling bool `json:"useAlternativeBilling,omitempty"`
}

// NewPurchaseRequest starts a purchase request for a product type
func NewPurchaseRequest(productType models.ProductType) *PurchaseRequest {
	return &PurchaseRequest{Type: productType}
}

func (r *PurchaseRequest) ForIOS(options IOSPurchaseOptions) *PurchaseRequest {
	r.IOS = &options
	return r
}

func (r *PurchaseRequest) ForAndroid(options AndroidPurchaseOptions) *PurchaseRequest {
	r.Android = &options
	return r
}

func (r *PurchaseRequest) WithAlternativeBilling() *PurchaseRequest {
	r.UseAlternativeBilling = true
	return r
}

// productIDs returns the SKUs of the block for p
func (r *PurchaseRequest) productIDs(p models.Platform) []string {
	switch {
	case p == models.PlatformIOS && r.IOS != nil:
		return []string{r.IOS.SKU}
	case p == models.PlatformAndroid && r.Android != nil:
		return r.Android.SKUs
	}
	return nil
}

func (r *PurchaseRequest) offersDeveloperBilling(p models.Platform) bool {
	return p == models.PlatformAndroid && r.Android != nil && r.Android.DeveloperBillingOption != nil
}

// ProgramSource reports the billing program of the open session
type ProgramSource interface {
	Program() models.BillingProgram
}

// RequestNormalizer validates declarative requests and converts them into
// the running platform's native parameters. It never mutates state.
type RequestNormalizer struct {
	platform models.Platform
	programs ProgramSource
}

func NewRequestNormalizer(p models.Platform, programs ProgramSource) *RequestNormalizer {
	return &RequestNormalizer{platform: p, programs: programs}
}

// NormalizeProducts dedupes SKUs and resolves the query type
func (n *RequestNormalizer) NormalizeProducts(request ProductRequest) (platform.ProductQuery, error) {
	skus := dedupe(request.SKUs)
	if len(skus) == 0 {
		return platform.ProductQuery{}, n.developerError("at least one SKU is required")
	}

	queryType := request.Type
	if queryType == "" {
		queryType = models.ProductQueryAll
	}
	if !queryType.Valid() {
		return platform.ProductQuery{}, n.developerError("unknown product type %q", queryType)
	}
	return platform.ProductQuery{SKUs: skus, Type: queryType}, nil
}

// NormalizePurchase returns the payload for the running platform
func (n *RequestNormalizer) NormalizePurchase(request PurchaseRequest) (platform.PurchasePayload, error) {
	productType := request.Type
	if productType == "" {
		productType = models.ProductTypeInApp
	}
	if productType != models.ProductTypeInApp && productType != models.ProductTypeSubs {
		return nil, n.developerError("unknown product type %q", productType)
	}

	if n.platform == models.PlatformIOS {
		return n.normalizeIOS(productType, request)
	}
	return n.normalizeAndroid(productType, request)
}

func (n *RequestNormalizer) normalizeIOS(productType models.ProductType, request PurchaseRequest) (platform.PurchasePayload, error) {
	options := request.IOS
	if options == nil {
		return nil, n.developerError("purchase request has no ios block")
	}
	if options.SKU == "" {
		return nil, n.developerError("ios purchase requires a sku")
	}
	if request.UseAlternativeBilling {
		return nil, n.developerError("user choice billing is not available on iOS").WithProduct(options.SKU)
	}

	quantity := options.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 {
		return nil, n.developerError("quantity must be at least 1, got %d", options.Quantity).WithProduct(options.SKU)
	}

	if options.AppAccountToken != "" {
		if _, err := uuid.Parse(options.AppAccountToken); err != nil {
			return nil, n.developerError("appAccountToken must be a UUID: %v", err).WithProduct(options.SKU)
		}
	}

	params := native.StoreKitPurchaseParams{
		ProductID:       options.SKU,
		Quantity:        quantity,
		AppAccountToken: options.AppAccountToken,
		AutoFinish:      options.AutoFinish,
	}
	if offer := options.Offer; offer != nil {
		if offer.Identifier == "" || offer.KeyIdentifier == "" || offer.Nonce == "" || offer.Signature == "" || offer.Timestamp == 0 {
			return nil, n.developerError("promotional offer needs identifier, keyIdentifier, nonce, signature and timestamp").WithProduct(options.SKU)
		}
		if _, err := uuid.Parse(offer.Nonce); err != nil {
			return nil, n.developerError("promotional offer nonce must be a UUID: %v", err).WithProduct(options.SKU)
		}
		params.Offer = &native.StoreKitOffer{
			Identifier:    offer.Identifier,
			KeyIdentifier: offer.KeyIdentifier,
			Nonce:         offer.Nonce,
			Signature:     offer.Signature,
			Timestamp:     offer.Timestamp,
		}
	}

	return &platform.IOSPurchasePayload{Type: productType, Params: params}, nil
}

func (n *RequestNormalizer) normalizeAndroid(productType models.ProductType, request PurchaseRequest) (platform.PurchasePayload, error) {
	options := request.Android
	if options == nil {
		return nil, n.developerError("purchase request has no android block")
	}
	skus := dedupe(options.SKUs)
	if len(skus) == 0 {
		return nil, n.developerError("android purchase requires at least one sku")
	}

	params := native.BillingFlowParams{
		ObfuscatedAccountID: options.ObfuscatedAccountID,
		ObfuscatedProfileID: options.ObfuscatedProfileID,
		IsOfferPersonalized: options.IsOfferPersonalized,
	}

	offers := make(map[string]string, len(options.SubscriptionOffers))
	for _, offer := range options.SubscriptionOffers {
		if !contains(skus, offer.SKU) {
			return nil, n.developerError("subscription offer for %s does not match any requested sku", offer.SKU)
		}
		if offer.OfferToken == "" {
			return nil, n.developerError("subscription offer for %s has an empty offer token", offer.SKU).WithProduct(offer.SKU)
		}
		offers[offer.SKU] = offer.OfferToken
	}

	for _, sku := range skus {
		product := native.BillingFlowProduct{ProductID: sku}
		if productType == models.ProductTypeSubs {
			token, ok := offers[sku]
			if !ok {
				return nil, n.developerError("subscription %s requires an offer token", sku).WithProduct(sku)
			}
			product.OfferToken = token
		}
		params.Products = append(params.Products, product)
	}

	if options.ReplacementMode != 0 || options.PurchaseToken != "" {
		if productType != models.ProductTypeSubs {
			return nil, n.developerError("replacement applies to subscriptions only")
		}
		if options.PurchaseToken == "" {
			return nil, n.developerError("replacement mode %d requires the old purchase token", options.ReplacementMode)
		}
		params.OldPurchaseToken = options.PurchaseToken
		params.ReplacementMode = options.ReplacementMode
	}

	program := n.programs.Program()
	if request.UseAlternativeBilling && program != models.BillingProgramUserChoice {
		return nil, n.developerError("user choice billing needs the %s program, connected with %s; reconnect to change it",
			models.BillingProgramUserChoice, program)
	}
	if option := options.DeveloperBillingOption; option != nil {
		if program != models.BillingProgramExternalPayments {
			return nil, n.developerError("developer billing option needs the %s program, connected with %s; reconnect to change it",
				models.BillingProgramExternalPayments, program)
		}
		if option.LinkURI == "" {
			return nil, n.developerError("developer billing option requires a link uri")
		}
		launchMode := option.LaunchMode
		if launchMode == "" {
			launchMode = LaunchModeExternalBrowserOrApp
		}
		if launchMode != LaunchModeExternalBrowserOrApp && launchMode != LaunchModeCallerWillLaunchLink {
			return nil, n.developerError("unknown developer billing launch mode %q", option.LaunchMode)
		}
		params.DeveloperBillingOption = &native.DeveloperBillingOption{LinkURI: option.LinkURI, LaunchMode: launchMode}
	}

	return &platform.AndroidPurchasePayload{Type: productType, Params: params}, nil
}

func (n *RequestNormalizer) developerError(format string, args ...interface{}) *models.PurchaseError {
	err := models.NewPurchaseError(models.ErrorCodeDeveloperError, format, args...)
	err.Platform = n.platform
	return err
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
