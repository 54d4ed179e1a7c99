package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/internal/response"
	"iap-bridge/internal/services"
	"iap-bridge/pkg/logging"

	"github.com/gin-gonic/gin"
)

// InitConnection opens the native session
// POST /api/connection/init
func (h *Handler) InitConnection(c *gin.Context) {
	var config models.ConnectionConfig
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&config); err != nil {
			response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
			return
		}
	}
	if config.BillingProgram != "" {
		if _, err := models.ParseBillingProgram(string(config.BillingProgram)); err != nil {
			response.ErrorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	connected, err := h.client.InitConnection(c.Request.Context(), &config)
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{"connected": connected, "billingProgram": h.client.Program()})
}

// EndConnection closes the native session
// POST /api/connection/end
func (h *Handler) EndConnection(c *gin.Context) {
	if err := h.client.EndConnection(c.Request.Context()); err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{"connected": false})
}

// ConnectionStatus
// GET /api/connection/status
func (h *Handler) ConnectionStatus(c *gin.Context) {
	response.SuccessJSON(c, gin.H{
		"platform":       h.client.Platform(),
		"connected":      h.client.Connected(),
		"billingProgram": h.client.Program(),
	})
}

// FetchProducts
// POST /api/products
func (h *Handler) FetchProducts(c *gin.Context) {
	var req services.ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	products, err := h.client.FetchProducts(c.Request.Context(), req)
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, products)
}

// RequestPurchase starts a purchase; the result arrives on /api/events
// POST /api/purchases
func (h *Handler) RequestPurchase(c *gin.Context) {
	var req services.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	if err := h.client.RequestPurchase(c.Request.Context(), req); err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, response.Success(gin.H{"requested": true}))
}

// WaitPurchaseRequest is a purchase request with a wait bound
type WaitPurchaseRequest struct {
	services.PurchaseRequest
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// RequestPurchaseAndWait starts a purchase and returns its terminal outcome
// POST /api/purchases/wait
func (h *Handler) RequestPurchaseAndWait(c *gin.Context) {
	var req WaitPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	timeout := DefaultWaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	outcome, err := h.client.RequestPurchaseAndWait(ctx, req.PurchaseRequest)
	if err != nil {
		response.JSON(c, response.StatusFor(outcome.Error.Code), response.Response{
			Success: false,
			Message: outcome.Error.Message,
			Data:    gin.H{"kind": outcome.Kind()},
			Error:   outcome.Error,
		})
		return
	}
	response.SuccessJSON(c, gin.H{"kind": outcome.Kind(), "outcome": outcome})
}

// GetAvailablePurchases
// GET /api/purchases/available
func (h *Handler) GetAvailablePurchases(c *gin.Context) {
	purchases, err := h.client.GetAvailablePurchases(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, purchases)
}

// RestorePurchases
// POST /api/purchases/restore
func (h *Handler) RestorePurchases(c *gin.Context) {
	purchases, err := h.client.RestorePurchases(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, purchases)
}

// OverdueAcknowledgements lists Play purchases close to their deadline
// GET /api/purchases/overdue-acknowledgements?within_hours=24
func (h *Handler) OverdueAcknowledgements(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("within_hours", "24"))
	if err != nil || hours < 0 {
		response.ErrorJSON(c, http.StatusBadRequest, "within_hours must be a non-negative integer")
		return
	}

	overdue, err := h.client.OverdueAcknowledgements(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, overdue)
}

// GetActiveSubscriptions
// GET /api/subscriptions/active?skus=a,b
func (h *Handler) GetActiveSubscriptions(c *gin.Context) {
	var skus []string
	if raw := c.Query("skus"); raw != "" {
		skus = strings.Split(raw, ",")
	}

	active, err := h.client.GetActiveSubscriptions(c.Request.Context(), skus)
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{"hasActive": len(active) > 0, "subscriptions": active})
}

// FinishTransactionRequest carries a purchase as the bridge emitted it
type FinishTransactionRequest struct {
	Purchase     json.RawMessage `json:"purchase" binding:"required"`
	IsConsumable bool            `json:"isConsumable"`
}

// FinishTransaction consumes, acknowledges or finishes a purchase
// POST /api/transactions/finish
func (h *Handler) FinishTransaction(c *gin.Context) {
	var req FinishTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	purchase, err := models.UnmarshalPurchase(req.Purchase)
	if err != nil {
		logging.Warnf("Rejected finish request with undecodable purchase: %v", err)
		response.PurchaseErrorJSON(c, models.NewPurchaseError(models.ErrorCodeParseFailed, "invalid purchase: %v", err))
		return
	}

	finished, err := h.client.FinishTransaction(c.Request.Context(), purchase, req.IsConsumable)
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{"finished": finished})
}

// GetStorefront
// GET /api/storefront
func (h *Handler) GetStorefront(c *gin.Context) {
	storefront, err := h.client.GetStorefront(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{"countryCode": storefront})
}
