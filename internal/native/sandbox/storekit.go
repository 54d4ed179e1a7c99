package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"iap-bridge/internal/native"
)

// StoreKit is the iOS face of a Simulator
type StoreKit struct {
	sim *Simulator
}

// StoreKit returns the native.StoreKit face of the simulator
func (s *Simulator) StoreKit() *StoreKit {
	return &StoreKit{sim: s}
}

var _ native.StoreKit = (*StoreKit)(nil)

func storeKitError(kind, message string) *native.Error {
	return &native.Error{Domain: "storekit", Kind: kind, Message: message}
}

func (k *StoreKit) SetListener(listener native.Listener) {
	k.sim.setListener(listener)
}

func (k *StoreKit) CanMakePayments(ctx context.Context) (bool, error) {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CanMakePayments"); err != nil {
		return false, err
	}
	return s.canMakePayments, nil
}

func (k *StoreKit) StartTransactionObserver(ctx context.Context) error {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("StartTransactionObserver"); err != nil {
		return err
	}
	s.connected = true
	return nil
}

func (k *StoreKit) StopTransactionObserver(ctx context.Context) error {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("StopTransactionObserver"); err != nil {
		return err
	}
	s.connected = false
	return nil
}

func (k *StoreKit) Products(ctx context.Context, productIDs []string) ([]byte, error) {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Products"); err != nil {
		return nil, err
	}

	documents := make([]map[string]interface{}, 0, len(productIDs))
	for _, id := range productIDs {
		product, ok := s.catalog[id]
		if !ok {
			continue
		}
		doc := map[string]interface{}{
			"id":                product.ID,
			"displayName":       product.Title,
			"description":       product.Description,
			"displayPrice":      formatPrice(product.PriceMicros, product.Currency),
			"price":             float64(product.PriceMicros) / 1_000_000,
			"currencyCode":      product.Currency,
			"type":              product.Kind,
			"isFamilyShareable": false,
		}
		if product.Kind == KindSubscription {
			doc["subscription"] = map[string]interface{}{
				"subscriptionGroupID": "sandbox-group",
				"subscriptionPeriod":  map[string]interface{}{"unit": "month", "value": 1},
				"introductoryOffer": map[string]interface{}{
					"id":           "intro",
					"displayPrice": formatPrice(0, product.Currency),
					"price":        0,
					"paymentMode":  "freeTrial",
					"period":       map[string]interface{}{"unit": "week", "value": 1},
					"periodCount":  1,
				},
			}
		}
		documents = append(documents, doc)
	}
	return json.Marshal(documents)
}

// Purchase runs the scripted purchase sheet and reports the outcome on the
// listener before returning
func (k *StoreKit) Purchase(ctx context.Context, params native.StoreKitPurchaseParams) error {
	s := k.sim
	s.mu.Lock()
	if err := s.enter("Purchase"); err != nil {
		s.mu.Unlock()
		return err
	}
	product, ok := s.catalog[params.ProductID]
	if !ok {
		s.mu.Unlock()
		return storeKitError("productUnavailable", fmt.Sprintf("product %s not found", params.ProductID))
	}
	if params.Quantity < 1 {
		s.mu.Unlock()
		return storeKitError("invalidQuantity", "quantity must be at least 1")
	}
	if params.Offer != nil && product.Kind != KindSubscription {
		s.mu.Unlock()
		return storeKitError("invalidOfferIdentifier", "promotional offers apply to subscriptions only")
	}

	var updated, failed []byte
	switch outcome := s.nextOutcome(); outcome {
	case OutcomeCancelled:
		failed = errorDocument(map[string]interface{}{"kind": "userCancelled", "message": "user cancelled", "productId": product.ID})
	case OutcomeUserChoiceBilling, OutcomeDeveloperBilling:
		failed = errorDocument(map[string]interface{}{"kind": "unsupported", "message": string(outcome) + " is not available on iOS", "productId": product.ID})
	case OutcomeMalformed:
		updated = []byte(`{"id": 42, "productID": `)
	default:
		existing := s.ownedByProduct(product.ID)
		if product.Kind != KindConsumable && existing != nil {
			// StoreKit hands back the existing transaction for owned products
			updated = s.purchaseDocument(existing, "ios")
			break
		}
		if outcome == OutcomeAlreadyOwned {
			failed = errorDocument(map[string]interface{}{"kind": "unknown", "message": "already owned", "productId": product.ID})
			break
		}
		owned := s.newPurchase(product)
		owned.quantity = params.Quantity
		owned.appAccount = params.AppAccountToken
		owned.pending = outcome == OutcomePending
		owned.finished = params.AutoFinish && !owned.pending
		s.owned[owned.token] = owned
		updated = s.purchaseDocument(owned, "ios")
	}
	listener := s.listener
	s.mu.Unlock()

	emit(listener, updated, failed)
	return nil
}

func (k *StoreKit) Finish(ctx context.Context, transactionID string) error {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Finish"); err != nil {
		return err
	}
	for _, owned := range s.owned {
		if owned.id == transactionID {
			owned.finished = true
			return nil
		}
	}
	return storeKitError("notEntitled", fmt.Sprintf("transaction %s not found", transactionID))
}

// CurrentEntitlements lists unfinished transactions plus finished
// non-consumables and subscriptions
func (k *StoreKit) CurrentEntitlements(ctx context.Context) ([]byte, error) {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CurrentEntitlements"); err != nil {
		return nil, err
	}

	owned := make([]*ownedPurchase, 0, len(s.owned))
	for _, purchase := range s.owned {
		if purchase.finished && purchase.kind == KindConsumable {
			continue
		}
		owned = append(owned, purchase)
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].id < owned[j].id })

	documents := make([]json.RawMessage, 0, len(owned))
	for _, purchase := range owned {
		documents = append(documents, s.purchaseDocument(purchase, "ios"))
	}
	return json.Marshal(documents)
}

func (k *StoreKit) Sync(ctx context.Context) error {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("Sync")
}

func (k *StoreKit) Storefront(ctx context.Context) (string, error) {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Storefront"); err != nil {
		return "", err
	}
	return s.storefront, nil
}

func (k *StoreKit) CanPresentExternalPurchaseNotice(ctx context.Context) (bool, error) {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CanPresentExternalPurchaseNotice"); err != nil {
		return false, err
	}
	return s.noticeAvailable, nil
}

func (k *StoreKit) PresentExternalPurchaseNoticeSheet(ctx context.Context) (string, error) {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PresentExternalPurchaseNoticeSheet"); err != nil {
		return "", err
	}
	return s.noticeAction, nil
}

func (k *StoreKit) PresentExternalPurchaseLink(ctx context.Context, url string) error {
	s := k.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PresentExternalPurchaseLink"); err != nil {
		return err
	}
	if url == "" {
		return storeKitError("unsupported", "empty external purchase link")
	}
	return nil
}

func formatPrice(micros int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(micros)/1_000_000, currency)
}

func errorDocument(fields map[string]interface{}) []byte {
	data, _ := json.Marshal(fields)
	return data
}

func emit(listener native.Listener, updated, failed []byte) {
	if listener == nil {
		return
	}
	if updated != nil {
		listener.OnPurchaseUpdated(updated)
	}
	if failed != nil {
		listener.OnPurchaseError(failed)
	}
}
