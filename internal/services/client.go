package services

import (
	"context"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/platform"
	"iap-bridge/pkg/logging"
)

// ClientOptions carries the optional collaborators of a Client
type ClientOptions struct {
	Metrics            *Metrics
	Ledger             FinishLedger
	Relay              EventRelay
	AlternativeBilling AlternativeBillingOptions
}

// Client is the purchase API of one process. It owns one native session
// and wires every coordinator to the same store and event channels.
type Client struct {
	store      platform.Store
	events     *EventMultiplexer
	conn       *ConnectionManager
	normalizer *RequestNormalizer
	finisher   *TransactionFinisher
	billing    *AlternativeBillingCoordinator
	ledger     FinishLedger
	now        func() time.Time
}

// NewClient builds a client around a platform store and registers itself
// as the store's native listener
func NewClient(store platform.Store, options ClientOptions) *Client {
	events := NewEventMultiplexer(store, store.Platform(), options.Metrics)
	store.SetListener(events)

	ledger := options.Ledger
	if ledger == nil {
		ledger = NewMemoryFinishLedger(0)
	}

	conn := NewConnectionManager(store, events, options.Metrics)
	client := &Client{
		store:      store,
		events:     events,
		conn:       conn,
		normalizer: NewRequestNormalizer(store.Platform(), conn),
		finisher:   NewTransactionFinisher(store, conn, events, ledger, options.Metrics),
		billing:    NewAlternativeBillingCoordinator(store, conn, options.Metrics, options.AlternativeBilling),
		ledger:     ledger,
		now:        time.Now,
	}

	if options.Relay != nil {
		events.AttachRelay(options.Relay)
	}
	return client
}

func (c *Client) Platform() models.Platform { return c.store.Platform() }

// Events exposes the broadcast channels
func (c *Client) Events() *EventMultiplexer { return c.events }

func (c *Client) Connected() bool { return c.conn.Connected() }

func (c *Client) Program() models.BillingProgram { return c.conn.Program() }

func (c *Client) InitConnection(ctx context.Context, config *models.ConnectionConfig) (bool, error) {
	return c.conn.InitConnection(ctx, config)
}

func (c *Client) EndConnection(ctx context.Context) error {
	return c.conn.EndConnection(ctx)
}

// FetchProducts loads products; only products of the requested type are returned
func (c *Client) FetchProducts(ctx context.Context, request ProductRequest) ([]models.Product, error) {
	if err := c.conn.RequireConnected(); err != nil {
		return nil, err
	}
	query, err := c.normalizer.NormalizeProducts(request)
	if err != nil {
		return nil, err
	}

	products, err := c.store.FetchProducts(ctx, query)
	if err != nil {
		return nil, err
	}
	filtered := make([]models.Product, 0, len(products))
	for _, product := range products {
		if query.Type.Matches(product.Common().Type) {
			filtered = append(filtered, product)
		}
	}
	return filtered, nil
}

// RequestPurchase starts a purchase. Every attempt ends with exactly one
// event: the store reports the outcome, or a request that never reached
// the purchase UI is published on the purchase-error channel and also
// returned.
func (c *Client) RequestPurchase(ctx context.Context, request PurchaseRequest) error {
	if err := c.launchPurchase(ctx, request); err != nil {
		purchaseErr := c.purchaseFailure(request, err)
		c.events.PurchaseError.Publish(purchaseErr)
		return purchaseErr
	}
	return nil
}

func (c *Client) launchPurchase(ctx context.Context, request PurchaseRequest) error {
	if err := c.conn.RequireConnected(); err != nil {
		return err
	}
	payload, err := c.normalizer.NormalizePurchase(request)
	if err != nil {
		return err
	}

	offersDeveloperBilling := request.offersDeveloperBilling(c.store.Platform())
	if offersDeveloperBilling {
		c.events.expectDeveloperBilling(request.productIDs(c.store.Platform()))
	}
	if err := c.store.RequestPurchase(ctx, payload); err != nil {
		if offersDeveloperBilling {
			c.events.expectDeveloperBilling(nil)
		}
		return err
	}
	return nil
}

// purchaseFailure normalizes a launch failure and tags it with the
// requested product
func (c *Client) purchaseFailure(request PurchaseRequest, err error) *models.PurchaseError {
	purchaseErr := models.AsPurchaseError(err, models.ErrorCodeUnknown)
	if purchaseErr.Platform == "" {
		purchaseErr.Platform = c.store.Platform()
	}
	if purchaseErr.ProductID == "" {
		if ids := request.productIDs(c.store.Platform()); len(ids) > 0 {
			purchaseErr.ProductID = ids[0]
		}
	}
	if purchaseErr.Code == models.ErrorCodeNotInitialized || purchaseErr.Code == models.ErrorCodeDeveloperError {
		logging.Warnf("Purchase request for %s rejected: %v", purchaseErr.ProductID, purchaseErr)
	} else {
		logging.Errorf("Purchase launch for %s failed: %v", purchaseErr.ProductID, purchaseErr)
	}
	return purchaseErr
}

// PurchaseOutcome is the single terminal result of a purchase request.
// Exactly one field is set.
type PurchaseOutcome struct {
	Purchase                 models.Purchase                         `json:"purchase,omitempty"`
	UserChoiceBilling        *models.UserChoiceBillingDetails        `json:"userChoiceBilling,omitempty"`
	DeveloperProvidedBilling *models.DeveloperProvidedBillingDetails `json:"developerProvidedBilling,omitempty"`
	Error                    *models.PurchaseError                   `json:"error,omitempty"`
}

// Kind names the channel the outcome came from
func (o PurchaseOutcome) Kind() string {
	switch {
	case o.Purchase != nil:
		return ChannelPurchaseUpdated
	case o.UserChoiceBilling != nil:
		return ChannelUserChoiceBilling
	case o.DeveloperProvidedBilling != nil:
		return ChannelDeveloperProvidedBilling
	}
	return ChannelPurchaseError
}

// RequestPurchaseAndWait starts a purchase and waits for its first
// terminal event: a purchase, a user-choice or developer billing
// selection, or an error. Events for other products are ignored.
func (c *Client) RequestPurchaseAndWait(ctx context.Context, request PurchaseRequest) (PurchaseOutcome, error) {
	updated := c.events.PurchaseUpdated.Subscribe()
	defer updated.Close()
	failed := c.events.PurchaseError.Subscribe()
	defer failed.Close()
	userChoice := c.events.UserChoiceBilling.Subscribe()
	defer userChoice.Close()
	developerBilling := c.events.DeveloperProvidedBilling.Subscribe()
	defer developerBilling.Close()

	// A launch failure is already the attempt's event; it is returned
	// here instead of being read back from the channel
	if err := c.RequestPurchase(ctx, request); err != nil {
		purchaseErr := models.AsPurchaseError(err, models.ErrorCodeUnknown)
		return PurchaseOutcome{Error: purchaseErr}, purchaseErr
	}

	requested := make(map[string]struct{})
	for _, id := range request.productIDs(c.store.Platform()) {
		requested[id] = struct{}{}
	}
	offersDeveloperBilling := request.offersDeveloperBilling(c.store.Platform())
	matches := func(productIDs ...string) bool {
		for _, id := range productIDs {
			if _, ok := requested[id]; ok {
				return true
			}
		}
		return false
	}

	for {
		select {
		case purchase, ok := <-updated.C():
			if !ok {
				return c.closedOutcome()
			}
			if matches(purchase.Common().IDs...) || matches(purchase.Common().ProductID) {
				return PurchaseOutcome{Purchase: purchase}, nil
			}
		case purchaseErr, ok := <-failed.C():
			if !ok {
				return c.closedOutcome()
			}
			if purchaseErr.ProductID == "" || matches(purchaseErr.ProductID) {
				return PurchaseOutcome{Error: purchaseErr}, purchaseErr
			}
		case details, ok := <-userChoice.C():
			if !ok {
				return c.closedOutcome()
			}
			if matches(details.Products...) {
				return PurchaseOutcome{UserChoiceBilling: &details}, nil
			}
		case details, ok := <-developerBilling.C():
			if !ok {
				return c.closedOutcome()
			}
			// details from a host shell may not name their products
			if matches(details.Products...) || (len(details.Products) == 0 && offersDeveloperBilling) {
				return PurchaseOutcome{DeveloperProvidedBilling: &details}, nil
			}
		case <-ctx.Done():
			purchaseErr := &models.PurchaseError{
				Code:     models.ErrorCodeServiceUnavailable,
				Message:  "timed out waiting for the purchase result",
				Platform: c.store.Platform(),
			}
			return PurchaseOutcome{Error: purchaseErr}, purchaseErr
		}
	}
}

func (c *Client) closedOutcome() (PurchaseOutcome, error) {
	purchaseErr := &models.PurchaseError{
		Code:     models.ErrorCodeNotInitialized,
		Message:  "client closed while waiting for the purchase result",
		Platform: c.store.Platform(),
	}
	return PurchaseOutcome{Error: purchaseErr}, purchaseErr
}

func (c *Client) FinishTransaction(ctx context.Context, purchase models.Purchase, isConsumable bool) (bool, error) {
	return c.finisher.FinishTransaction(ctx, purchase, isConsumable)
}

// FinishState reports where a purchase is in its completion lifecycle
func (c *Client) FinishState(purchase models.Purchase) FinishState {
	return c.finisher.State(purchase)
}

// GetAvailablePurchases lists owned and unfinished purchases
func (c *Client) GetAvailablePurchases(ctx context.Context) ([]models.Purchase, error) {
	if err := c.conn.RequireConnected(); err != nil {
		return nil, err
	}
	return c.store.AvailablePurchases(ctx)
}

// RestorePurchases syncs with the store (iOS) and returns available purchases
func (c *Client) RestorePurchases(ctx context.Context) ([]models.Purchase, error) {
	if err := c.conn.RequireConnected(); err != nil {
		return nil, err
	}
	if err := c.store.Restore(ctx); err != nil {
		return nil, err
	}
	return c.store.AvailablePurchases(ctx)
}

// ActiveSubscription summarizes a subscription the user currently holds
type ActiveSubscription struct {
	ProductID       string          `json:"productId"`
	IsActive        bool            `json:"isActive"`
	TransactionID   string          `json:"transactionId"`
	PurchaseToken   string          `json:"purchaseToken,omitempty"`
	TransactionDate time.Time       `json:"transactionDate"`
	Platform        models.Platform `json:"platform"`
	// ExpirationDate is only known on iOS
	ExpirationDate *time.Time `json:"expirationDateIOS,omitempty"`
	// AutoRenewing is only known on Android
	AutoRenewing bool `json:"autoRenewingAndroid,omitempty"`
}

// GetActiveSubscriptions returns active subscriptions, limited to skus
// when any are given
func (c *Client) GetActiveSubscriptions(ctx context.Context, skus []string) ([]ActiveSubscription, error) {
	purchases, err := c.GetAvailablePurchases(ctx)
	if err != nil {
		return nil, err
	}

	wanted := dedupe(skus)
	now := c.now()
	active := []ActiveSubscription{}
	for _, purchase := range purchases {
		common := purchase.Common()
		if !models.IsSubscription(purchase) {
			continue
		}
		if len(wanted) > 0 && !contains(wanted, common.ProductID) {
			continue
		}
		if common.State != models.PurchaseStatePurchased && common.State != models.PurchaseStateRestored {
			continue
		}

		subscription := ActiveSubscription{
			ProductID:       common.ProductID,
			IsActive:        true,
			TransactionID:   common.TransactionID,
			PurchaseToken:   common.PurchaseToken,
			TransactionDate: common.TransactionDate,
			Platform:        common.Platform,
		}
		switch p := purchase.(type) {
		case *models.PurchaseIOS:
			if p.RevocationDate != nil || (p.ExpirationDate != nil && !p.ExpirationDate.After(now)) {
				continue
			}
			subscription.ExpirationDate = p.ExpirationDate
		case *models.PurchaseAndroid:
			subscription.AutoRenewing = p.AutoRenewing
		}
		active = append(active, subscription)
	}
	return active, nil
}

func (c *Client) HasActiveSubscriptions(ctx context.Context, skus []string) (bool, error) {
	active, err := c.GetActiveSubscriptions(ctx, skus)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

func (c *Client) GetStorefront(ctx context.Context) (string, error) {
	return c.store.Storefront(ctx)
}

// OverdueAcknowledgements lists Play purchases within margin of their
// acknowledgement deadline
func (c *Client) OverdueAcknowledgements(ctx context.Context, within time.Duration) ([]OverdueAcknowledgement, error) {
	return c.finisher.OverdueAcknowledgements(ctx, within)
}

func (c *Client) RunExternalPurchaseFlow(ctx context.Context, url string) (models.ExternalPurchaseLinkResult, error) {
	return c.billing.RunExternalPurchaseFlow(ctx, url)
}

func (c *Client) StartExternalOffer(ctx context.Context) (*ExternalOfferSession, error) {
	return c.billing.StartExternalOffer(ctx)
}

func (c *Client) ExternalOfferSession(id string) (*ExternalOfferSession, bool) {
	return c.billing.Session(id)
}

func (c *Client) RunExternalOfferFlow(ctx context.Context, processPayment func(ctx context.Context) error) (*models.ReportingDetails, error) {
	return c.billing.RunExternalOfferFlow(ctx, processPayment)
}

func (c *Client) ClaimReportingToken(ctx context.Context, flowID string) (*models.ReportingDetails, error) {
	return c.billing.ClaimReportingToken(ctx, flowID)
}

// Close ends the native session and closes every event channel
func (c *Client) Close(ctx context.Context) error {
	err := c.conn.EndConnection(ctx)
	if err != nil {
		logging.Errorf("Failed to end billing connection on close: %v", err)
	}
	c.billing.Stop()
	c.events.Close()
	if stopper, ok := c.ledger.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	return err
}
