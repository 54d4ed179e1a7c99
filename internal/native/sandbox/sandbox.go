// Package sandbox is an in-memory stand-in for StoreKit and the Play
// Billing Library. It keeps a product catalog and an ownership ledger,
// emits the same raw callback documents a host shell would, and lets the
// caller script user decisions and native failures.
package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"iap-bridge/internal/native"

	"github.com/google/uuid"
)

// Product kinds, named after StoreKit product types
const (
	KindConsumable    = "consumable"
	KindNonConsumable = "nonConsumable"
	KindSubscription  = "autoRenewable"
)

// Product is a catalog entry
type Product struct {
	ID          string
	Title       string
	Description string
	Kind        string
	PriceMicros int64
	Currency    string
	// BasePlans lists subscription base plan ids; the first one is used
	// when empty
	BasePlans []string
}

// Outcome scripts how the user answers the next purchase UI
type Outcome string

const (
	OutcomePurchased         Outcome = "purchased"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomePending           Outcome = "pending"
	OutcomeAlreadyOwned      Outcome = "already-owned"
	OutcomeUserChoiceBilling Outcome = "user-choice-billing"
	OutcomeDeveloperBilling  Outcome = "developer-billing"
	// OutcomeMalformed emits a purchase document the bridge cannot decode
	OutcomeMalformed Outcome = "malformed"
)

type ownedPurchase struct {
	id           string
	token        string
	productID    string
	kind         string
	purchasedAt  time.Time
	pending      bool
	acknowledged bool
	finished     bool
	accountID    string
	profileID    string
	appAccount   string
	quantity     int
}

// Simulator holds the state shared by the StoreKit and BillingClient faces
type Simulator struct {
	mu       sync.Mutex
	listener native.Listener

	catalog  map[string]Product
	owned    map[string]*ownedPurchase // keyed by purchase token
	outcomes []Outcome
	failures map[string]*native.Error
	calls    map[string]int

	connected       bool
	program         string
	canMakePayments bool
	storefront      string

	noticeAvailable     bool
	noticeAction        string
	dialogAccepted      bool
	programAvailability map[string]bool

	seq int
	now func() time.Time
}

// New creates a simulator with the given catalog
func New(products ...Product) *Simulator {
	sim := &Simulator{
		catalog:             make(map[string]Product),
		owned:               make(map[string]*ownedPurchase),
		failures:            make(map[string]*native.Error),
		calls:               make(map[string]int),
		canMakePayments:     true,
		storefront:          "USA",
		noticeAvailable:     true,
		noticeAction:        "continue",
		dialogAccepted:      true,
		programAvailability: make(map[string]bool),
		now:                 time.Now,
	}
	for _, product := range products {
		sim.AddProduct(product)
	}
	return sim
}

// DefaultCatalog is the catalog the bridge server starts with in sandbox mode
func DefaultCatalog() []Product {
	return []Product{
		{ID: "coins_100", Title: "100 Coins", Description: "A pouch of coins", Kind: KindConsumable, PriceMicros: 990000, Currency: "USD"},
		{ID: "remove_ads", Title: "Remove Ads", Description: "No more ads", Kind: KindNonConsumable, PriceMicros: 2990000, Currency: "USD"},
		{ID: "premium", Title: "Premium", Description: "All features", Kind: KindSubscription, PriceMicros: 4990000, Currency: "USD", BasePlans: []string{"monthly", "yearly"}},
	}
}

// AddProduct adds or replaces a catalog entry
func (s *Simulator) AddProduct(product Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.Currency == "" {
		product.Currency = "USD"
	}
	if product.Kind == KindSubscription && len(product.BasePlans) == 0 {
		product.BasePlans = []string{"monthly"}
	}
	s.catalog[product.ID] = product
}

// QueueOutcome scripts the answer to the next purchase UI. Without a
// queued outcome purchases succeed.
func (s *Simulator) QueueOutcome(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

// FailNext makes the next call of op fail with err
func (s *Simulator) FailNext(op string, err *native.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// Calls returns how many times op was invoked
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SetCanMakePayments toggles StoreKit's payment availability
func (s *Simulator) SetCanMakePayments(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canMakePayments = ok
}

// SetExternalPurchaseNotice scripts the iOS notice availability and sheet answer
func (s *Simulator) SetExternalPurchaseNotice(available bool, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noticeAvailable = available
	s.noticeAction = action
}

// SetProgramAvailable scripts IsBillingProgramAvailable
func (s *Simulator) SetProgramAvailable(program string, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programAvailability[program] = available
}

// SetDialogAccepted scripts the user's answer to the external offer dialog
func (s *Simulator) SetDialogAccepted(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogAccepted = accepted
}

// SetClock replaces the simulator clock
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Connected reports whether a session is open
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Program returns the billing program of the current session
func (s *Simulator) Program() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// CompletePending turns a pending purchase into a purchased one and emits
// a purchase-updated callback, like a slow payment method clearing
func (s *Simulator) CompletePending(purchaseToken string, platform string) error {
	s.mu.Lock()
	owned, ok := s.owned[purchaseToken]
	if !ok || !owned.pending {
		s.mu.Unlock()
		return fmt.Errorf("no pending purchase with token %s", purchaseToken)
	}
	owned.pending = false
	payload := s.purchaseDocument(owned, platform)
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.OnPurchaseUpdated(payload)
	}
	return nil
}

// PromoteProduct emits an App Store promoted-product callback
func (s *Simulator) PromoteProduct(productID string) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.OnPromotedProduct(productID)
	}
}

// DropService emits a service-disconnected callback and closes the session
func (s *Simulator) DropService(reason string) {
	s.mu.Lock()
	s.connected = false
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.OnServiceDisconnected(reason)
	}
}

// Owned returns the purchase tokens currently in the ownership ledger
func (s *Simulator) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.owned))
	for token := range s.owned {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func (s *Simulator) setListener(listener native.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// enter records a call and returns the scripted failure for op, if any.
// Callers hold s.mu.
func (s *Simulator) enter(op string) error {
	s.calls[op]++
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

func (s *Simulator) nextOutcome() Outcome {
	if len(s.outcomes) == 0 {
		return OutcomePurchased
	}
	outcome := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return outcome
}

func (s *Simulator) newPurchase(product Product) *ownedPurchase {
	s.seq++
	return &ownedPurchase{
		id:          fmt.Sprintf("%d", 2000000000+s.seq),
		token:       uuid.NewString(),
		productID:   product.ID,
		kind:        product.Kind,
		purchasedAt: s.now(),
		quantity:    1,
	}
}

func (s *Simulator) ownedByProduct(productID string) *ownedPurchase {
	for _, owned := range s.owned {
		if owned.productID == productID {
			return owned
		}
	}
	return nil
}

// purchaseDocument renders an owned purchase in the platform's raw shape.
// Callers hold s.mu.
func (s *Simulator) purchaseDocument(owned *ownedPurchase, platform string) []byte {
	var doc interface{}
	if platform == "ios" {
		transaction := map[string]interface{}{
			"id":                owned.id,
			"originalID":        owned.id,
			"productID":         owned.productID,
			"purchaseDate":      owned.purchasedAt.UnixMilli(),
			"purchasedQuantity": owned.quantity,
			"environment":       "Sandbox",
			"ownershipType":     "PURCHASED",
			"jwsRepresentation": owned.token,
			"appAccountToken":   owned.appAccount,
		}
		if owned.pending {
			transaction["state"] = "pending"
		}
		if owned.kind == KindSubscription {
			transaction["expirationDate"] = owned.purchasedAt.AddDate(0, 1, 0).UnixMilli()
			transaction["subscriptionGroupID"] = "sandbox-group"
		}
		doc = transaction
	} else {
		state := 1
		if owned.pending {
			state = 2
		}
		purchase := map[string]interface{}{
			"packageName":         "dev.sandbox.app",
			"productIds":          []string{owned.productID},
			"purchaseTime":        owned.purchasedAt.UnixMilli(),
			"purchaseState":       state,
			"purchaseToken":       owned.token,
			"acknowledged":        owned.acknowledged,
			"autoRenewing":        owned.kind == KindSubscription,
			"quantity":            owned.quantity,
			"obfuscatedAccountId": owned.accountID,
			"obfuscatedProfileId": owned.profileID,
			"signature":           "sandbox-signature",
		}
		if !owned.pending {
			purchase["orderId"] = "GPA.SANDBOX-" + owned.id
		}
		doc = purchase
	}

	data, _ := json.Marshal(doc)
	return data
}
