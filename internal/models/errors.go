package models

import (
	"errors"
	"fmt"
)

// ErrorCode is the normalized purchase error taxonomy. Applications
// branch on it; raw platform codes only travel as debug metadata.
type ErrorCode string

const (
	ErrorCodeUserCancelled               ErrorCode = "user-cancelled"
	ErrorCodeItemUnavailable             ErrorCode = "item-unavailable"
	ErrorCodeAlreadyOwned                ErrorCode = "already-owned"
	ErrorCodeNotOwned                    ErrorCode = "not-owned"
	ErrorCodeNetworkError                ErrorCode = "network-error"
	ErrorCodeServiceUnavailable          ErrorCode = "service-unavailable"
	ErrorCodeBillingUnavailable          ErrorCode = "billing-unavailable"
	ErrorCodeDeveloperError              ErrorCode = "developer-error"
	ErrorCodeTransactionValidationFailed ErrorCode = "transaction-validation-failed"
	ErrorCodeNotInitialized              ErrorCode = "not-initialized"
	ErrorCodePending                     ErrorCode = "pending"
	ErrorCodeFeatureNotSupported         ErrorCode = "feature-not-supported"
	ErrorCodeParseFailed                 ErrorCode = "parse-failed"
	ErrorCodeUnknown                     ErrorCode = "unknown"
)

// Severity separates expected outcomes from failures worth surfacing
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// PurchaseError is the only error type that leaves the purchase core
type PurchaseError struct {
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	ResponseCode *int      `json:"responseCode,omitempty"`
	DebugMessage string    `json:"debugMessage,omitempty"`
	ProductID    string    `json:"productId,omitempty"`
	Platform     Platform  `json:"platform,omitempty"`
}

// NewPurchaseError creates a PurchaseError with a formatted message
func NewPurchaseError(code ErrorCode, format string, args ...interface{}) *PurchaseError {
	return &PurchaseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *PurchaseError) Error() string {
	if e.ResponseCode != nil {
		return fmt.Sprintf("%s: %s (response code %d)", e.Code, e.Message, *e.ResponseCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Severity returns info for user cancellation and error for everything else
func (e *PurchaseError) Severity() Severity {
	if e.Code == ErrorCodeUserCancelled {
		return SeverityInfo
	}
	return SeverityError
}

// WithProduct returns a copy tagged with the product it concerns
func (e *PurchaseError) WithProduct(productID string) *PurchaseError {
	clone := *e
	clone.ProductID = productID
	return &clone
}

// IsUserCancelled reports whether err is a normalized user cancellation
func IsUserCancelled(err error) bool {
	return HasCode(err, ErrorCodeUserCancelled)
}

// HasCode reports whether err is a PurchaseError with the given code
func HasCode(err error, code ErrorCode) bool {
	var purchaseErr *PurchaseError
	return errors.As(err, &purchaseErr) && purchaseErr.Code == code
}

// AsPurchaseError normalizes any error into a PurchaseError, keeping
// existing PurchaseErrors untouched and mapping the rest to fallback
func AsPurchaseError(err error, fallback ErrorCode) *PurchaseError {
	if err == nil {
		return nil
	}
	var purchaseErr *PurchaseError
	if errors.As(err, &purchaseErr) {
		return purchaseErr
	}
	return &PurchaseError{Code: fallback, Message: err.Error()}
}

// Play Billing BillingResponseCode values
const (
	BillingResponseServiceTimeout      = -3
	BillingResponseFeatureNotSupported = -2
	BillingResponseServiceDisconnected = -1
	BillingResponseOK                  = 0
	BillingResponseUserCanceled        = 1
	BillingResponseServiceUnavailable  = 2
	BillingResponseBillingUnavailable  = 3
	BillingResponseItemUnavailable     = 4
	BillingResponseDeveloperError      = 5
	BillingResponseError               = 6
	BillingResponseItemAlreadyOwned    = 7
	BillingResponseItemNotOwned        = 8
	BillingResponseNetworkError        = 12
)

var billingResponseCodes = map[int]ErrorCode{
	BillingResponseServiceTimeout:      ErrorCodeServiceUnavailable,
	BillingResponseFeatureNotSupported: ErrorCodeFeatureNotSupported,
	BillingResponseServiceDisconnected: ErrorCodeNotInitialized,
	BillingResponseUserCanceled:        ErrorCodeUserCancelled,
	BillingResponseServiceUnavailable:  ErrorCodeServiceUnavailable,
	BillingResponseBillingUnavailable:  ErrorCodeBillingUnavailable,
	BillingResponseItemUnavailable:     ErrorCodeItemUnavailable,
	BillingResponseDeveloperError:      ErrorCodeDeveloperError,
	BillingResponseError:               ErrorCodeUnknown,
	BillingResponseItemAlreadyOwned:    ErrorCodeAlreadyOwned,
	BillingResponseItemNotOwned:        ErrorCodeNotOwned,
	BillingResponseNetworkError:        ErrorCodeNetworkError,
}

// ErrorCodeFromBillingResponse maps a Play Billing response code
func ErrorCodeFromBillingResponse(responseCode int) ErrorCode {
	if code, ok := billingResponseCodes[responseCode]; ok {
		return code
	}
	return ErrorCodeUnknown
}

// StoreKit 1 SKError codes
const (
	SKErrorUnknown                             = 0
	SKErrorClientInvalid                       = 1
	SKErrorPaymentCancelled                    = 2
	SKErrorPaymentInvalid                      = 3
	SKErrorPaymentNotAllowed                   = 4
	SKErrorStoreProductNotAvailable            = 5
	SKErrorCloudServicePermissionDenied        = 6
	SKErrorCloudServiceNetworkConnectionFailed = 7
	SKErrorCloudServiceRevoked                 = 8
	SKErrorPrivacyAcknowledgementRequired      = 9
	SKErrorUnauthorizedRequestData             = 10
	SKErrorInvalidOfferIdentifier              = 11
	SKErrorInvalidSignature                    = 12
	SKErrorMissingOfferParams                  = 13
	SKErrorInvalidOfferPrice                   = 14
	SKErrorOverlayCancelled                    = 15
	SKErrorOverlayInvalidConfiguration         = 16
	SKErrorOverlayTimeout                      = 17
	SKErrorIneligibleForOffer                  = 18
	SKErrorUnsupportedPlatform                 = 19
	SKErrorOverlayPresentedInBackgroundScene   = 20
)

var storeKitErrorCodes = map[int]ErrorCode{
	SKErrorUnknown:                             ErrorCodeUnknown,
	SKErrorClientInvalid:                       ErrorCodeBillingUnavailable,
	SKErrorPaymentCancelled:                    ErrorCodeUserCancelled,
	SKErrorPaymentInvalid:                      ErrorCodeDeveloperError,
	SKErrorPaymentNotAllowed:                   ErrorCodeBillingUnavailable,
	SKErrorStoreProductNotAvailable:            ErrorCodeItemUnavailable,
	SKErrorCloudServicePermissionDenied:        ErrorCodeServiceUnavailable,
	SKErrorCloudServiceNetworkConnectionFailed: ErrorCodeNetworkError,
	SKErrorCloudServiceRevoked:                 ErrorCodeServiceUnavailable,
	SKErrorPrivacyAcknowledgementRequired:      ErrorCodeBillingUnavailable,
	SKErrorUnauthorizedRequestData:             ErrorCodeDeveloperError,
	SKErrorInvalidOfferIdentifier:              ErrorCodeDeveloperError,
	SKErrorInvalidSignature:                    ErrorCodeTransactionValidationFailed,
	SKErrorMissingOfferParams:                  ErrorCodeDeveloperError,
	SKErrorInvalidOfferPrice:                   ErrorCodeDeveloperError,
	SKErrorOverlayCancelled:                    ErrorCodeUserCancelled,
	SKErrorOverlayInvalidConfiguration:         ErrorCodeDeveloperError,
	SKErrorOverlayTimeout:                      ErrorCodeServiceUnavailable,
	SKErrorIneligibleForOffer:                  ErrorCodeItemUnavailable,
	SKErrorUnsupportedPlatform:                 ErrorCodeFeatureNotSupported,
	SKErrorOverlayPresentedInBackgroundScene:   ErrorCodeDeveloperError,
}

// ErrorCodeFromStoreKitCode maps a StoreKit 1 SKError code
func ErrorCodeFromStoreKitCode(skCode int) ErrorCode {
	if code, ok := storeKitErrorCodes[skCode]; ok {
		return code
	}
	return ErrorCodeUnknown
}

// StoreKit 2 error kinds (Product.PurchaseError / StoreKitError cases)
var storeKit2ErrorKinds = map[string]ErrorCode{
	"userCancelled":            ErrorCodeUserCancelled,
	"networkError":             ErrorCodeNetworkError,
	"systemError":              ErrorCodeServiceUnavailable,
	"notAvailableInStorefront": ErrorCodeItemUnavailable,
	"notEntitled":              ErrorCodeNotOwned,
	"productUnavailable":       ErrorCodeItemUnavailable,
	"purchaseNotAllowed":       ErrorCodeBillingUnavailable,
	"ineligibleForOffer":       ErrorCodeItemUnavailable,
	"invalidOfferIdentifier":   ErrorCodeDeveloperError,
	"invalidOfferPrice":        ErrorCodeDeveloperError,
	"invalidOfferSignature":    ErrorCodeTransactionValidationFailed,
	"missingOfferParameters":   ErrorCodeDeveloperError,
	"invalidQuantity":          ErrorCodeDeveloperError,
	"unverifiedTransaction":    ErrorCodeTransactionValidationFailed,
	"pending":                  ErrorCodePending,
	"unsupported":              ErrorCodeFeatureNotSupported,
	"unknown":                  ErrorCodeUnknown,
}

// ErrorCodeFromStoreKitKind maps a StoreKit 2 error kind
func ErrorCodeFromStoreKitKind(kind string) ErrorCode {
	if code, ok := storeKit2ErrorKinds[kind]; ok {
		return code
	}
	return ErrorCodeUnknown
}
