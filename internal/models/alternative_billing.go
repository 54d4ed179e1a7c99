package models

import "time"

// ExternalPurchaseNoticeAction is the user's answer to the iOS notice sheet
type ExternalPurchaseNoticeAction string

const (
	ExternalPurchaseNoticeContinue  ExternalPurchaseNoticeAction = "continue"
	ExternalPurchaseNoticeDismissed ExternalPurchaseNoticeAction = "dismissed"
)

// ExternalPurchaseNoticeResult is returned by the notice sheet step
type ExternalPurchaseNoticeResult struct {
	Action ExternalPurchaseNoticeAction `json:"result"`
	Error  string                       `json:"error,omitempty"`
}

// ExternalPurchaseLinkResult is the terminal result of the iOS external
// purchase flow. No purchase-updated event accompanies it.
type ExternalPurchaseLinkResult struct {
	Success   bool   `json:"success"`
	Dismissed bool   `json:"dismissed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReportingDetails carries the Play external transaction token that the
// app backend must report within the program's reporting window
type ReportingDetails struct {
	FlowID                   string         `json:"flowId"`
	ExternalTransactionToken string         `json:"externalTransactionToken"`
	Program                  BillingProgram `json:"billingProgram"`
	CreatedAt                time.Time      `json:"createdAt"`
	ExpiresAt                time.Time      `json:"expiresAt"`
}

// UserChoiceBillingDetails is emitted when the user picks the developer's
// billing system in the user-choice dialog
type UserChoiceBillingDetails struct {
	Products                 []string `json:"products"`
	ExternalTransactionToken string   `json:"externalTransactionToken"`
}

// DeveloperProvidedBillingDetails is emitted when the user picks the
// developer-provided option of an external payments purchase. Play only
// sends the token; Products is filled in from the billing flow that
// offered the option.
type DeveloperProvidedBillingDetails struct {
	Products                 []string `json:"products,omitempty"`
	ExternalTransactionToken string   `json:"externalTransactionToken"`
}
