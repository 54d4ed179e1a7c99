package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PurchaseState is the normalized lifecycle state reported by the store
type PurchaseState string

const (
	PurchaseStatePending   PurchaseState = "pending"
	PurchaseStatePurchased PurchaseState = "purchased"
	PurchaseStateFailed    PurchaseState = "failed"
	PurchaseStateRestored  PurchaseState = "restored"
	PurchaseStateDeferred  PurchaseState = "deferred"
	PurchaseStateUnknown   PurchaseState = "unknown"
)

// AcknowledgementWindow is how long Play gives an app to acknowledge a
// purchase before refunding it
const AcknowledgementWindow = 72 * time.Hour

// PurchaseCommon holds the fields every platform populates
type PurchaseCommon struct {
	ID              string        `json:"id"`
	TransactionID   string        `json:"transactionId,omitempty"` // legacy alias of ID
	ProductID       string        `json:"productId"`
	IDs             []string      `json:"ids,omitempty"`
	TransactionDate time.Time     `json:"transactionDate"`
	PurchaseToken   string        `json:"purchaseToken,omitempty"`
	Platform        Platform      `json:"platform"`
	State           PurchaseState `json:"purchaseState"`
}

// Purchase is implemented by PurchaseIOS and PurchaseAndroid only
type Purchase interface {
	Common() PurchaseCommon
	// Key identifies the purchase for completion bookkeeping
	Key() string
	isPurchase()
}

// PurchaseIOS is a StoreKit transaction
type PurchaseIOS struct {
	PurchaseCommon
	OriginalTransactionID string     `json:"originalTransactionIdentifierIOS,omitempty"`
	Quantity              int        `json:"quantityIOS"`
	ExpirationDate        *time.Time `json:"expirationDateIOS,omitempty"`
	RevocationDate        *time.Time `json:"revocationDateIOS,omitempty"`
	AppAccountToken       string     `json:"appAccountToken,omitempty"`
	Environment           string     `json:"environmentIOS,omitempty"`
	SubscriptionGroupID   string     `json:"subscriptionGroupIdIOS,omitempty"`
	OwnershipType         string     `json:"ownershipTypeIOS,omitempty"`
	IsUpgraded            bool       `json:"isUpgradedIOS,omitempty"`
}

func (p *PurchaseIOS) Common() PurchaseCommon { return p.PurchaseCommon }
func (p *PurchaseIOS) Key() string            { return "ios:" + p.ID }
func (*PurchaseIOS) isPurchase()              {}

// PurchaseAndroid is a Play Billing Purchase
type PurchaseAndroid struct {
	PurchaseCommon
	OrderID             string `json:"orderIdAndroid,omitempty"`
	PackageName         string `json:"packageNameAndroid,omitempty"`
	Acknowledged        bool   `json:"isAcknowledgedAndroid"`
	AutoRenewing        bool   `json:"autoRenewingAndroid"`
	Subscription        bool   `json:"isSubscriptionAndroid,omitempty"`
	ObfuscatedAccountID string `json:"obfuscatedAccountIdAndroid,omitempty"`
	ObfuscatedProfileID string `json:"obfuscatedProfileIdAndroid,omitempty"`
	Signature           string `json:"signatureAndroid,omitempty"`
	Quantity            int    `json:"quantityAndroid"`
	DeveloperPayload    string `json:"developerPayloadAndroid,omitempty"`
}

func (p *PurchaseAndroid) Common() PurchaseCommon { return p.PurchaseCommon }
func (p *PurchaseAndroid) Key() string            { return "android:" + p.PurchaseToken }
func (*PurchaseAndroid) isPurchase()              {}

// AcknowledgementDeadline is the latest time the purchase can be
// acknowledged before Play refunds it
func (p *PurchaseAndroid) AcknowledgementDeadline() time.Time {
	return p.TransactionDate.Add(AcknowledgementWindow)
}

// IsSubscription reports whether a purchase belongs to a subscription product
func IsSubscription(p Purchase) bool {
	switch v := p.(type) {
	case *PurchaseIOS:
		return v.ExpirationDate != nil || v.SubscriptionGroupID != ""
	case *PurchaseAndroid:
		return v.Subscription || v.AutoRenewing
	}
	return false
}

// UnmarshalPurchase decodes a platform-tagged purchase document
func UnmarshalPurchase(data []byte) (Purchase, error) {
	var tag struct {
		Platform Platform `json:"platform"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("failed to read purchase platform: %w", err)
	}

	var purchase Purchase
	switch tag.Platform {
	case PlatformIOS:
		purchase = &PurchaseIOS{}
	case PlatformAndroid:
		purchase = &PurchaseAndroid{}
	default:
		return nil, fmt.Errorf("unknown purchase platform %q", tag.Platform)
	}

	if err := json.Unmarshal(data, purchase); err != nil {
		return nil, fmt.Errorf("failed to decode %s purchase: %w", tag.Platform, err)
	}
	if purchase.Common().ID == "" || purchase.Common().ProductID == "" {
		return nil, fmt.Errorf("purchase is missing id or productId")
	}
	if android, ok := purchase.(*PurchaseAndroid); ok && android.PurchaseToken == "" {
		return nil, fmt.Errorf("android purchase is missing purchaseToken")
	}
	return purchase, nil
}
