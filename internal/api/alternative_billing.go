package api

import (
	"net/http"

	"iap-bridge/internal/models"
	"iap-bridge/internal/response"
	"iap-bridge/internal/services"

	"github.com/gin-gonic/gin"
)

// ExternalPurchaseRequest
type ExternalPurchaseRequest struct {
	URL string `json:"url"`
}

// RunExternalPurchaseFlow shows the iOS notice sheet and then the link
// POST /api/alternative-billing/ios/external-purchase
func (h *Handler) RunExternalPurchaseFlow(c *gin.Context) {
	var req ExternalPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	result, err := h.client.RunExternalPurchaseFlow(c.Request.Context(), req.URL)
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, result)
}

// StartExternalOffer opens an external offer session
// POST /api/alternative-billing/android/external-offer
func (h *Handler) StartExternalOffer(c *gin.Context) {
	session, err := h.client.StartExternalOffer(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, response.Success(sessionView(session)))
}

// GetExternalOfferSession
// GET /api/alternative-billing/android/external-offer/sessions/:id
func (h *Handler) GetExternalOfferSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	response.SuccessJSON(c, sessionView(session))
}

// CheckExternalOfferAvailability
// POST /api/alternative-billing/android/external-offer/sessions/:id/availability
func (h *Handler) CheckExternalOfferAvailability(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	available, err := session.CheckAvailability(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	view := sessionView(session)
	view["available"] = available
	response.SuccessJSON(c, view)
}

// ShowExternalOfferDisclosure
// POST /api/alternative-billing/android/external-offer/sessions/:id/disclosure
func (h *Handler) ShowExternalOfferDisclosure(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	accepted, err := session.ShowDisclosure(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	view := sessionView(session)
	view["accepted"] = accepted
	response.SuccessJSON(c, view)
}

// CreateReportingToken
// POST /api/alternative-billing/android/external-offer/sessions/:id/token
func (h *Handler) CreateReportingToken(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	details, err := session.CreateReportingToken(c.Request.Context())
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, response.Success(details))
}

// ClaimReportingToken hands a stored token to the app backend once
// POST /api/alternative-billing/tokens/:flow_id/claim
func (h *Handler) ClaimReportingToken(c *gin.Context) {
	details, err := h.client.ClaimReportingToken(c.Request.Context(), c.Param("flow_id"))
	if err != nil {
		response.PurchaseErrorJSON(c, err)
		return
	}
	response.SuccessJSON(c, details)
}

func (h *Handler) session(c *gin.Context) (*services.ExternalOfferSession, bool) {
	id := c.Param("id")
	session, ok := h.client.ExternalOfferSession(id)
	if !ok {
		response.PurchaseErrorJSON(c, models.NewPurchaseError(models.ErrorCodeNotOwned, "external offer session %s not found", id))
		return nil, false
	}
	return session, true
}

func sessionView(session *services.ExternalOfferSession) gin.H {
	view := gin.H{"id": session.ID, "step": session.Step()}
	if details := session.Details(); details != nil {
		view["reporting"] = details
	}
	return view
}
