package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBillingResponseMapping(t *testing.T) {
	cases := map[int]ErrorCode{
		BillingResponseUserCanceled:        ErrorCodeUserCancelled,
		BillingResponseItemAlreadyOwned:    ErrorCodeAlreadyOwned,
		BillingResponseItemNotOwned:        ErrorCodeNotOwned,
		BillingResponseServiceDisconnected: ErrorCodeNotInitialized,
		BillingResponseBillingUnavailable:  ErrorCodeBillingUnavailable,
		BillingResponseDeveloperError:      ErrorCodeDeveloperError,
		BillingResponseNetworkError:        ErrorCodeNetworkError,
	}
	for native, expected := range cases {
		require.Equal(t, expected, ErrorCodeFromBillingResponse(native), "response code %d", native)
	}
}

func TestUnmappedCodesFallBackToUnknown(t *testing.T) {
	require.Equal(t, ErrorCodeUnknown, ErrorCodeFromBillingResponse(42))
	require.Equal(t, ErrorCodeUnknown, ErrorCodeFromStoreKitCode(999))
	require.Equal(t, ErrorCodeUnknown, ErrorCodeFromStoreKitKind("somethingNew"))
}

func TestStoreKitCancellationMapsToUserCancelled(t *testing.T) {
	require.Equal(t, ErrorCodeUserCancelled, ErrorCodeFromStoreKitCode(SKErrorPaymentCancelled))
	require.Equal(t, ErrorCodeUserCancelled, ErrorCodeFromStoreKitCode(SKErrorOverlayCancelled))
	require.Equal(t, ErrorCodeUserCancelled, ErrorCodeFromStoreKitKind("userCancelled"))
}

func TestUserCancelledIsLowSeverity(t *testing.T) {
	cancelled := NewPurchaseError(ErrorCodeUserCancelled, "user closed the sheet")
	failed := NewPurchaseError(ErrorCodeNetworkError, "offline")

	require.Equal(t, SeverityInfo, cancelled.Severity())
	require.Equal(t, SeverityError, failed.Severity())
}

func TestHasCodeUnwraps(t *testing.T) {
	err := fmt.Errorf("finish: %w", NewPurchaseError(ErrorCodeUserCancelled, "cancelled"))

	require.True(t, IsUserCancelled(err))
	require.False(t, HasCode(err, ErrorCodeUnknown))
	require.False(t, IsUserCancelled(errors.New("plain")))
}

func TestAsPurchaseError(t *testing.T) {
	require.Nil(t, AsPurchaseError(nil, ErrorCodeUnknown))

	original := NewPurchaseError(ErrorCodeAlreadyOwned, "owned")
	require.Same(t, original, AsPurchaseError(fmt.Errorf("wrap: %w", original), ErrorCodeUnknown))

	converted := AsPurchaseError(errors.New("socket closed"), ErrorCodeServiceUnavailable)
	require.Equal(t, ErrorCodeServiceUnavailable, converted.Code)
	require.Equal(t, "socket closed", converted.Message)
}

func TestErrorStringIncludesResponseCode(t *testing.T) {
	code := BillingResponseItemUnavailable
	err := &PurchaseError{Code: ErrorCodeItemUnavailable, Message: "gone", ResponseCode: &code}

	require.Equal(t, "item-unavailable: gone (response code 4)", err.Error())
}
