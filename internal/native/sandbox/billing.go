package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"iap-bridge/internal/native"

	"github.com/google/uuid"
)

// Play BillingResponseCode values the simulator reports
const (
	responseServiceDisconnected = -1
	responseUserCanceled        = 1
	responseItemUnavailable     = 4
	responseDeveloperError      = 5
	responseItemAlreadyOwned    = 7
	responseItemNotOwned        = 8
)

// Billing program names as passed across the boundary
const (
	programUserChoice       = "user-choice"
	programExternalOffer    = "external-offer"
	programExternalPayments = "external-payments"
)

// BillingClient is the Android face of a Simulator
type BillingClient struct {
	sim *Simulator
}

// BillingClient returns the native.BillingClient face of the simulator
func (s *Simulator) BillingClient() *BillingClient {
	return &BillingClient{sim: s}
}

var _ native.BillingClient = (*BillingClient)(nil)

func billingError(code int, message string) *native.Error {
	return &native.Error{Domain: "billing", Code: code, Message: message}
}

// requireConnected is called with s.mu held
func (s *Simulator) requireConnected() error {
	if !s.connected {
		return billingError(responseServiceDisconnected, "billing service is not connected")
	}
	return nil
}

func (c *BillingClient) SetListener(listener native.Listener) {
	c.sim.setListener(listener)
}

func (c *BillingClient) StartConnection(ctx context.Context, params native.BillingConnectionParams) error {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("StartConnection"); err != nil {
		return err
	}
	s.connected = true
	s.program = params.Program
	return nil
}

func (c *BillingClient) EndConnection(ctx context.Context) error {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("EndConnection"); err != nil {
		return err
	}
	s.connected = false
	s.program = ""
	return nil
}

func (c *BillingClient) QueryProductDetails(ctx context.Context, productType string, productIDs []string) ([]byte, error) {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("QueryProductDetails"); err != nil {
		return nil, err
	}
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	documents := make([]map[string]interface{}, 0, len(productIDs))
	for _, id := range productIDs {
		product, ok := s.catalog[id]
		if !ok || playProductType(product) != productType {
			continue
		}
		doc := map[string]interface{}{
			"productId":   product.ID,
			"productType": productType,
			"title":       product.Title + " (Sandbox)",
			"name":        product.Title,
			"description": product.Description,
		}
		if productType == native.BillingProductTypeSubs {
			doc["subscriptionOfferDetails"] = subscriptionOffers(product)
		} else {
			doc["oneTimePurchaseOfferDetails"] = map[string]interface{}{
				"formattedPrice":    formatPrice(product.PriceMicros, product.Currency),
				"priceAmountMicros": product.PriceMicros,
				"priceCurrencyCode": product.Currency,
			}
		}
		documents = append(documents, doc)
	}
	return json.Marshal(documents)
}

// OfferToken returns the token the simulator issues for a base plan, or
// for an offer on it when offerID is set
func OfferToken(productID, basePlanID, offerID string) string {
	if offerID == "" {
		return productID + ":" + basePlanID
	}
	return productID + ":" + basePlanID + ":" + offerID
}

// subscriptionOffers lists one base plan offer per base plan and a free
// trial offer on the first one
func subscriptionOffers(product Product) []map[string]interface{} {
	recurring := map[string]interface{}{
		"billingPeriod":     "P1M",
		"formattedPrice":    formatPrice(product.PriceMicros, product.Currency),
		"priceAmountMicros": product.PriceMicros,
		"priceCurrencyCode": product.Currency,
		"recurrenceMode":    1,
	}
	trial := map[string]interface{}{
		"billingPeriod":     "P1W",
		"formattedPrice":    "Free",
		"priceAmountMicros": 0,
		"priceCurrencyCode": product.Currency,
		"billingCycleCount": 1,
		"recurrenceMode":    2,
	}

	var offers []map[string]interface{}
	for i, basePlan := range product.BasePlans {
		if i == 0 {
			offers = append(offers, map[string]interface{}{
				"basePlanId":    basePlan,
				"offerId":       "trial",
				"offerToken":    OfferToken(product.ID, basePlan, "trial"),
				"offerTags":     []string{"intro"},
				"pricingPhases": []map[string]interface{}{trial, recurring},
			})
		}
		offers = append(offers, map[string]interface{}{
			"basePlanId":    basePlan,
			"offerToken":    OfferToken(product.ID, basePlan, ""),
			"pricingPhases": []map[string]interface{}{recurring},
		})
	}
	return offers
}

func playProductType(product Product) string {
	if product.Kind == KindSubscription {
		return native.BillingProductTypeSubs
	}
	return native.BillingProductTypeInApp
}

// LaunchBillingFlow runs the scripted billing UI and reports the outcome on
// the listener before returning
func (c *BillingClient) LaunchBillingFlow(ctx context.Context, params native.BillingFlowParams) error {
	s := c.sim
	s.mu.Lock()
	if err := s.enter("LaunchBillingFlow"); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.validateFlow(params); err != nil {
		s.mu.Unlock()
		return err
	}

	product := s.catalog[params.Products[0].ProductID]
	productIDs := make([]string, 0, len(params.Products))
	for _, p := range params.Products {
		productIDs = append(productIDs, p.ProductID)
	}

	var updated, failed, userChoice, developerBilling []byte
	switch s.nextOutcome() {
	case OutcomeCancelled:
		failed = billingResultDocument(responseUserCanceled, "user canceled", product.ID)
	case OutcomeAlreadyOwned:
		failed = billingResultDocument(responseItemAlreadyOwned, "item already owned", product.ID)
	case OutcomeMalformed:
		updated = []byte(`{"purchaseToken": 7, "productIds": "oops"`)
	case OutcomeUserChoiceBilling:
		if s.program != programUserChoice {
			failed = billingResultDocument(responseDeveloperError, "user choice billing is not enabled", product.ID)
			break
		}
		userChoice, _ = json.Marshal(map[string]interface{}{
			"products":                 productIDs,
			"externalTransactionToken": "ext-" + uuid.NewString(),
		})
	case OutcomeDeveloperBilling:
		if params.DeveloperBillingOption == nil {
			failed = billingResultDocument(responseDeveloperError, "no developer billing option was offered", product.ID)
			break
		}
		developerBilling, _ = json.Marshal(map[string]interface{}{
			"externalTransactionToken": "ext-" + uuid.NewString(),
		})
	case OutcomePending:
		owned := s.purchaseFromFlow(product, params)
		owned.pending = true
		updated = s.purchaseDocument(owned, "android")
	default:
		if existing := s.ownedByProduct(product.ID); existing != nil && existing.token != params.OldPurchaseToken {
			failed = billingResultDocument(responseItemAlreadyOwned, "item already owned", product.ID)
			break
		}
		if params.OldPurchaseToken != "" {
			delete(s.owned, params.OldPurchaseToken)
		}
		owned := s.purchaseFromFlow(product, params)
		updated = s.purchaseDocument(owned, "android")
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		if userChoice != nil {
			listener.OnUserChoiceBilling(userChoice)
		}
		if developerBilling != nil {
			listener.OnDeveloperProvidedBilling(developerBilling)
		}
	}
	emit(listener, updated, failed)
	return nil
}

// validateFlow is called with s.mu held
func (s *Simulator) validateFlow(params native.BillingFlowParams) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	if len(params.Products) == 0 {
		return billingError(responseDeveloperError, "no products in billing flow")
	}
	for _, p := range params.Products {
		product, ok := s.catalog[p.ProductID]
		if !ok {
			return billingError(responseItemUnavailable, fmt.Sprintf("product %s not found", p.ProductID))
		}
		if product.Kind == KindSubscription && p.OfferToken == "" {
			return billingError(responseDeveloperError, fmt.Sprintf("subscription %s needs an offer token", p.ProductID))
		}
	}
	if params.DeveloperBillingOption != nil && s.program != programExternalPayments {
		return billingError(responseDeveloperError, "developer billing option requires the external payments program")
	}
	if params.OldPurchaseToken != "" {
		if _, ok := s.owned[params.OldPurchaseToken]; !ok {
			return billingError(responseItemNotOwned, "old purchase token is not owned")
		}
	}
	return nil
}

func (s *Simulator) purchaseFromFlow(product Product, params native.BillingFlowParams) *ownedPurchase {
	owned := s.newPurchase(product)
	owned.accountID = params.ObfuscatedAccountID
	owned.profileID = params.ObfuscatedProfileID
	s.owned[owned.token] = owned
	return owned
}

func billingResultDocument(code int, message, productID string) []byte {
	return errorDocument(map[string]interface{}{
		"responseCode": code,
		"debugMessage": message,
		"productId":    productID,
	})
}

func (c *BillingClient) Consume(ctx context.Context, purchaseToken string) error {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Consume"); err != nil {
		return err
	}
	if err := s.requireConnected(); err != nil {
		return err
	}
	owned, ok := s.owned[purchaseToken]
	if !ok {
		return billingError(responseItemNotOwned, "purchase token is not owned")
	}
	if owned.pending {
		return billingError(responseDeveloperError, "pending purchases cannot be consumed")
	}
	delete(s.owned, purchaseToken)
	return nil
}

func (c *BillingClient) Acknowledge(ctx context.Context, purchaseToken string) error {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Acknowledge"); err != nil {
		return err
	}
	if err := s.requireConnected(); err != nil {
		return err
	}
	owned, ok := s.owned[purchaseToken]
	if !ok {
		return billingError(responseItemNotOwned, "purchase token is not owned")
	}
	if owned.pending {
		return billingError(responseDeveloperError, "pending purchases cannot be acknowledged")
	}
	owned.acknowledged = true
	return nil
}

func (c *BillingClient) QueryPurchases(ctx context.Context, productType string) ([]byte, error) {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("QueryPurchases"); err != nil {
		return nil, err
	}
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	owned := make([]*ownedPurchase, 0, len(s.owned))
	for _, purchase := range s.owned {
		if playProductType(s.catalog[purchase.productID]) == productType {
			owned = append(owned, purchase)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].id < owned[j].id })

	documents := make([]json.RawMessage, 0, len(owned))
	for _, purchase := range owned {
		documents = append(documents, s.purchaseDocument(purchase, "android"))
	}
	return json.Marshal(documents)
}

// IsBillingProgramAvailable answers from SetProgramAvailable; programs
// default to available
func (c *BillingClient) IsBillingProgramAvailable(ctx context.Context, program string) (bool, error) {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("IsBillingProgramAvailable"); err != nil {
		return false, err
	}
	if err := s.requireConnected(); err != nil {
		return false, err
	}
	available, ok := s.programAvailability[program]
	if !ok {
		return true, nil
	}
	return available, nil
}

func (c *BillingClient) ShowExternalOfferInformationDialog(ctx context.Context) (bool, error) {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ShowExternalOfferInformationDialog"); err != nil {
		return false, err
	}
	if err := s.requireConnected(); err != nil {
		return false, err
	}
	if s.program != programExternalOffer {
		return false, billingError(responseDeveloperError, "external offer program is not enabled")
	}
	return s.dialogAccepted, nil
}

func (c *BillingClient) CreateBillingProgramReportingDetails(ctx context.Context, program string) ([]byte, error) {
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateBillingProgramReportingDetails"); err != nil {
		return nil, err
	}
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if s.program != program {
		return nil, billingError(responseDeveloperError, fmt.Sprintf("billing program %s is not enabled", program))
	}
	return json.Marshal(map[string]string{"externalTransactionToken": "ext-" + uuid.NewString()})
}
