package api

import (
	"context"
	"net/http"
	"time"

	"iap-bridge/internal/middleware"
	"iap-bridge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultWaitTimeout bounds POST /api/purchases/wait when the request
// does not set timeoutSeconds
const DefaultWaitTimeout = 5 * time.Minute

// Handler serves the bridge API on top of one purchase client
type Handler struct {
	client   *services.Client
	gatherer prometheus.Gatherer
	ping     func(ctx context.Context) error
	ingress  bool
}

// HandlerOptions carries the optional collaborators of a Handler
type HandlerOptions struct {
	// Gatherer backs GET /metrics; the default gatherer is used when nil
	Gatherer prometheus.Gatherer
	// Ping is called by GET /health to check storage
	Ping func(ctx context.Context) error
	// NativeIngress enables POST /api/native/:platform/:event. The only
	// backend is the in-process sandbox, so callbacks posted there are
	// replayed into the sandbox's event channels; keep it off in front of a
	// real host shell.
	NativeIngress bool
}

func NewHandler(client *services.Client, options HandlerOptions) *Handler {
	if options.Gatherer == nil {
		options.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		client:   client,
		gatherer: options.Gatherer,
		ping:     options.Ping,
		ingress:  options.NativeIngress,
	}
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, apiKey string) {
	api := r.Group("/api")
	api.Use(middleware.APIKeyAuthMiddleware(apiKey))
	{
		connection := api.Group("/connection")
		{
			connection.POST("/init", h.InitConnection)
			connection.POST("/end", h.EndConnection)
			connection.GET("/status", h.ConnectionStatus)
		}

		api.POST("/products", h.FetchProducts)

		purchases := api.Group("/purchases")
		{
			purchases.POST("", h.RequestPurchase)
			purchases.POST("/wait", h.RequestPurchaseAndWait)
			purchases.GET("/available", h.GetAvailablePurchases)
			purchases.POST("/restore", h.RestorePurchases)
			purchases.GET("/overdue-acknowledgements", h.OverdueAcknowledgements)
		}

		api.GET("/subscriptions/active", h.GetActiveSubscriptions)
		api.POST("/transactions/finish", h.FinishTransaction)
		api.GET("/storefront", h.GetStorefront)

		billing := api.Group("/alternative-billing")
		{
			billing.POST("/ios/external-purchase", h.RunExternalPurchaseFlow)
			billing.POST("/android/external-offer", h.StartExternalOffer)
			billing.GET("/android/external-offer/sessions/:id", h.GetExternalOfferSession)
			billing.POST("/android/external-offer/sessions/:id/availability", h.CheckExternalOfferAvailability)
			billing.POST("/android/external-offer/sessions/:id/disclosure", h.ShowExternalOfferDisclosure)
			billing.POST("/android/external-offer/sessions/:id/token", h.CreateReportingToken)
			billing.POST("/tokens/:flow_id/claim", h.ClaimReportingToken)
		}

		api.GET("/events", h.StreamEvents)

		// Host shells post raw framework callbacks here
		api.POST("/native/:platform/:event", h.NativeCallback)
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	r.GET("/health", h.Health)
}

// Health reports the bridge and storage state
func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "ok",
		"service":   "iap-bridge",
		"platform":  h.client.Platform(),
		"connected": h.client.Connected(),
	}

	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["storage"] = err.Error()
		}
	}

	c.JSON(status, body)
}
