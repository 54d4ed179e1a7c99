package api

import (
	"net/http"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/response"
	"iap-bridge/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Native callback names accepted on /api/native/:platform/:event
const (
	nativePurchaseUpdated      = "purchase-updated"
	nativePurchaseError        = "purchase-error"
	nativePromotedProduct      = "promoted-product"
	nativeUserChoiceBilling    = "user-choice-billing"
	nativeDeveloperBilling     = "developer-provided-billing"
	nativeServiceDisconnected  = "service-disconnected"
	maxNativeCallbackBodyBytes = 1 << 20
)

// NativeCallback feeds a raw framework callback from a host shell into the
// event channels. The body is the framework's document, passed through
// undecoded so that decode failures surface as parse-failed events.
// POST /api/native/:platform/:event
func (h *Handler) NativeCallback(c *gin.Context) {
	startTime := time.Now()

	if !h.ingress {
		response.ErrorJSON(c, http.StatusForbidden, "native callback ingress is disabled on the sandbox backend")
		return
	}

	platform, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	if platform != h.client.Platform() {
		response.ErrorJSON(c, http.StatusConflict, "bridge is running for "+string(h.client.Platform()))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxNativeCallbackBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read native callback body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	listener := h.client.Events()
	event := c.Param("event")
	switch event {
	case nativePurchaseUpdated:
		listener.OnPurchaseUpdated(body)
	case nativePurchaseError:
		listener.OnPurchaseError(body)
	case nativeUserChoiceBilling:
		listener.OnUserChoiceBilling(body)
	case nativeDeveloperBilling:
		listener.OnDeveloperProvidedBilling(body)
	case nativePromotedProduct:
		productID := c.Query("product_id")
		if productID == "" {
			productID = string(body)
		}
		if productID == "" {
			response.ErrorJSON(c, http.StatusBadRequest, "product_id is required")
			return
		}
		listener.OnPromotedProduct(productID)
	case nativeServiceDisconnected:
		listener.OnServiceDisconnected(c.Query("reason"))
	default:
		response.ErrorJSON(c, http.StatusNotFound, "unknown native event "+event)
		return
	}

	logging.Debugf("Native %s callback %s processed in %v", platform, event, time.Since(startTime))
	response.JSON(c, http.StatusAccepted, response.Success(gin.H{"event": event}))
}
