// Package platform adapts the two native purchase frameworks to a single
// capability interface. The variant is chosen once, when the client is
// constructed; nothing above this package branches on the platform.
package platform

import (
	"context"
	"errors"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/native"
)

// ProductQuery is a normalized product fetch
type ProductQuery struct {
	SKUs []string
	Type models.ProductQueryType
}

// PurchasePayload is the platform-specific form of a purchase request
type PurchasePayload interface {
	Platform() models.Platform
	ProductIDs() []string
	isPayload()
}

// IOSPurchasePayload is sent to StoreKit
type IOSPurchasePayload struct {
	Type   models.ProductType
	Params native.StoreKitPurchaseParams
}

func (*IOSPurchasePayload) Platform() models.Platform { return models.PlatformIOS }
func (p *IOSPurchasePayload) ProductIDs() []string    { return []string{p.Params.ProductID} }
func (*IOSPurchasePayload) isPayload()                {}

// AndroidPurchasePayload is sent to the BillingClient
type AndroidPurchasePayload struct {
	Type   models.ProductType
	Params native.BillingFlowParams
}

func (*AndroidPurchasePayload) Platform() models.Platform { return models.PlatformAndroid }
func (*AndroidPurchasePayload) isPayload()                {}

func (p *AndroidPurchasePayload) ProductIDs() []string {
	ids := make([]string, 0, len(p.Params.Products))
	for _, product := range p.Params.Products {
		ids = append(ids, product.ProductID)
	}
	return ids
}

// FinishAction is the native call that closes out a purchase
type FinishAction string

const (
	FinishActionConsume     FinishAction = "consume"
	FinishActionAcknowledge FinishAction = "acknowledge"
	FinishActionFinish      FinishAction = "finish"
	FinishActionNone        FinishAction = "none"
)

// Decoder turns raw native callback payloads into the type model
type Decoder interface {
	DecodePurchase(payload []byte) (models.Purchase, error)
	DecodePurchaseError(payload []byte) (*models.PurchaseError, error)
}

// Store is the capability interface both platform variants implement
type Store interface {
	Decoder

	Platform() models.Platform
	SetListener(listener native.Listener)

	Connect(ctx context.Context, program models.BillingProgram) error
	Disconnect(ctx context.Context) error

	FetchProducts(ctx context.Context, query ProductQuery) ([]models.Product, error)
	RequestPurchase(ctx context.Context, payload PurchasePayload) error

	// PlanFinish decides how a purchase is completed without calling native code
	PlanFinish(purchase models.Purchase, isConsumable bool) (FinishAction, error)
	Finish(ctx context.Context, purchase models.Purchase, action FinishAction) error

	AvailablePurchases(ctx context.Context) ([]models.Purchase, error)
	Restore(ctx context.Context) error
	Storefront(ctx context.Context) (string, error)
}

// ExternalPurchaseLinker is implemented by the StoreKit variant
type ExternalPurchaseLinker interface {
	CanPresentExternalPurchaseNotice(ctx context.Context) (bool, error)
	PresentExternalPurchaseNoticeSheet(ctx context.Context) (models.ExternalPurchaseNoticeResult, error)
	PresentExternalPurchaseLink(ctx context.Context, url string) error
}

// BillingProgramHost is implemented by the Play Billing variant
type BillingProgramHost interface {
	IsBillingProgramAvailable(ctx context.Context, program models.BillingProgram) (bool, error)
	ShowExternalOfferInformationDialog(ctx context.Context) (bool, error)
	CreateReportingToken(ctx context.Context, program models.BillingProgram) (string, error)
}

// normalizeError translates a native failure into the error taxonomy.
// Non-native errors (context cancellation, transport failures) get fallback.
func normalizeError(err error, platform models.Platform, fallback models.ErrorCode) *models.PurchaseError {
	if err == nil {
		return nil
	}

	var purchaseErr *models.PurchaseError
	if errors.As(err, &purchaseErr) {
		return purchaseErr
	}

	var nativeErr *native.Error
	if !errors.As(err, &nativeErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			fallback = models.ErrorCodeServiceUnavailable
		}
		return &models.PurchaseError{Code: fallback, Message: err.Error(), Platform: platform}
	}

	code := nativeErr.Code
	normalized := &models.PurchaseError{
		Message:      nativeErr.Message,
		ResponseCode: &code,
		DebugMessage: nativeErr.DebugMessage,
		Platform:     platform,
	}
	switch {
	case nativeErr.Kind != "":
		normalized.Code = models.ErrorCodeFromStoreKitKind(nativeErr.Kind)
		normalized.ResponseCode = nil
		if normalized.DebugMessage == "" {
			normalized.DebugMessage = nativeErr.Kind
		}
	case platform == models.PlatformIOS:
		normalized.Code = models.ErrorCodeFromStoreKitCode(nativeErr.Code)
	default:
		normalized.Code = models.ErrorCodeFromBillingResponse(nativeErr.Code)
	}
	if normalized.Message == "" {
		normalized.Message = string(normalized.Code)
	}
	return normalized
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
