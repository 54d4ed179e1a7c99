// Package native declares the primitives the bridge calls on the vendor
// purchase frameworks. Implementations sit on the other side of a host
// shell (StoreKit on iOS, the Play Billing Library on Android) or in the
// sandbox simulator. Inbound data crosses as raw JSON documents so that
// decoding, and any decoding failure, happens inside the bridge.
package native

import (
	"context"
	"fmt"
)

// Listener receives raw callbacks from a native framework. Calls for one
// framework arrive in emission order.
type Listener interface {
	OnPurchaseUpdated(payload []byte)
	OnPurchaseError(payload []byte)
	OnPromotedProduct(productID string)
	OnUserChoiceBilling(payload []byte)
	OnDeveloperProvidedBilling(payload []byte)
	OnServiceDisconnected(reason string)
}

// Error is a failure reported by a native framework
type Error struct {
	// Domain is "storekit" or "billing"
	Domain string
	// Code is the SKError code or the Play BillingResponseCode
	Code int
	// Kind is a StoreKit 2 error case name; it takes precedence over Code
	Kind         string
	Message      string
	DebugMessage string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s error %s: %s", e.Domain, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error %d: %s", e.Domain, e.Code, e.Message)
}

// StoreKit is the subset of StoreKit the bridge drives
type StoreKit interface {
	SetListener(listener Listener)

	CanMakePayments(ctx context.Context) (bool, error)
	StartTransactionObserver(ctx context.Context) error
	StopTransactionObserver(ctx context.Context) error

	// Products returns a JSON array of StoreKit product documents
	Products(ctx context.Context, productIDs []string) ([]byte, error)
	// Purchase starts the purchase sheet; the outcome arrives on the listener
	Purchase(ctx context.Context, params StoreKitPurchaseParams) error
	Finish(ctx context.Context, transactionID string) error
	// CurrentEntitlements returns a JSON array of unfinished and entitled transactions
	CurrentEntitlements(ctx context.Context) ([]byte, error)
	Sync(ctx context.Context) error
	Storefront(ctx context.Context) (string, error)

	CanPresentExternalPurchaseNotice(ctx context.Context) (bool, error)
	// PresentExternalPurchaseNoticeSheet returns "continue" or "dismissed"
	PresentExternalPurchaseNoticeSheet(ctx context.Context) (string, error)
	PresentExternalPurchaseLink(ctx context.Context, url string) error
}

// StoreKitPurchaseParams are the Product.PurchaseOption values the bridge sets
type StoreKitPurchaseParams struct {
	ProductID       string
	Quantity        int
	AppAccountToken string
	Offer           *StoreKitOffer
	// AutoFinish finishes the transaction natively before it is reported
	AutoFinish bool
}

// StoreKitOffer is a signed promotional offer
type StoreKitOffer struct {
	Identifier    string
	KeyIdentifier string
	Nonce         string
	Signature     string
	Timestamp     int64
}

// BillingClient is the subset of the Play Billing Library the bridge drives
type BillingClient interface {
	SetListener(listener Listener)

	StartConnection(ctx context.Context, params BillingConnectionParams) error
	EndConnection(ctx context.Context) error

	// QueryProductDetails returns a JSON array of ProductDetails documents
	QueryProductDetails(ctx context.Context, productType string, productIDs []string) ([]byte, error)
	// LaunchBillingFlow opens the purchase UI; the outcome arrives on the listener
	LaunchBillingFlow(ctx context.Context, params BillingFlowParams) error
	Consume(ctx context.Context, purchaseToken string) error
	Acknowledge(ctx context.Context, purchaseToken string) error
	// QueryPurchases returns a JSON array of owned Purchase documents
	QueryPurchases(ctx context.Context, productType string) ([]byte, error)

	IsBillingProgramAvailable(ctx context.Context, program string) (bool, error)
	// ShowExternalOfferInformationDialog returns true when the user accepted
	ShowExternalOfferInformationDialog(ctx context.Context) (bool, error)
	// CreateBillingProgramReportingDetails returns a reporting details JSON document
	CreateBillingProgramReportingDetails(ctx context.Context, program string) ([]byte, error)
}

// Play product types
const (
	BillingProductTypeInApp = "inapp"
	BillingProductTypeSubs  = "subs"
)

// BillingConnectionParams configures the BillingClient before it connects
type BillingConnectionParams struct {
	// Program is empty for standard billing
	Program string
	// EnablePendingPurchases is always requested by the bridge
	EnablePendingPurchases bool
}

// BillingFlowParams mirrors BillingFlowParams and its ProductDetailsParams
type BillingFlowParams struct {
	Products            []BillingFlowProduct
	ObfuscatedAccountID string
	ObfuscatedProfileID string
	IsOfferPersonalized bool
	// OldPurchaseToken and ReplacementMode describe a subscription update
	OldPurchaseToken string
	ReplacementMode  int
	// DeveloperBillingOption is set for external payments purchases
	DeveloperBillingOption *DeveloperBillingOption
}

// BillingFlowProduct is one ProductDetailsParams entry
type BillingFlowProduct struct {
	ProductID  string
	OfferToken string
}

// DeveloperBillingOption attaches the developer's own payment option to a
// purchase under the external payments program
type DeveloperBillingOption struct {
	LinkURI    string
	LaunchMode string
}
