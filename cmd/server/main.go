package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iap-bridge/internal/api"
	"iap-bridge/internal/config"
	"iap-bridge/internal/database"
	"iap-bridge/internal/models"
	"iap-bridge/internal/native/sandbox"
	"iap-bridge/internal/platform"
	"iap-bridge/internal/services"
	"iap-bridge/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newClient(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create purchase client:", err)
	}

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, api.NewHandler(client, api.HandlerOptions{
		Ping:          database.Ping,
		NativeIngress: cfg.NativeIngress,
	}), cfg.BridgeAPIKey)

	// Start server
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logging.Infof("Starting %s bridge on port %s", cfg.Platform, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	logging.Infof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}
	if err := client.Close(shutdownCtx); err != nil {
		logging.Errorf("Purchase client close failed: %v", err)
	}
}

// newClient wires the purchase client to its store and storage backends
func newClient(ctx context.Context, cfg *config.Config) (*services.Client, error) {
	metrics, err := services.NewMetrics("iap_bridge", nil)
	if err != nil {
		return nil, err
	}

	sim := sandbox.New(sandbox.DefaultCatalog()...)
	var store platform.Store
	switch cfg.Platform {
	case "ios":
		store = platform.NewStoreKitStore(sim.StoreKit())
	default:
		store = platform.NewPlayBillingStore(sim.BillingClient())
	}

	ledger := services.NewGormFinishLedger(database.DB)
	go ledger.RunPruner(ctx, time.Duration(cfg.FinishLedgerTTLHours)*time.Hour, time.Hour)

	options := services.ClientOptions{
		Metrics: metrics,
		Ledger:  ledger,
		AlternativeBilling: services.AlternativeBillingOptions{
			Audit:           services.NewGormTokenAudit(database.DB),
			WebhookURL:      cfg.WebhookCallbackURL,
			WebhookSecret:   cfg.WebhookSecret,
			ReportingWindow: time.Duration(cfg.ReportingTokenTTLHours) * time.Hour,
		},
	}
	if cfg.WebhookCallbackURL != "" {
		options.AlternativeBilling.Notifier = services.NewWebhookNotifier()
	}
	if database.RedisClient != nil {
		options.AlternativeBilling.Vault = services.NewRedisTokenVault(database.RedisClient)
		options.Relay = services.NewRedisEventRelay(database.RedisClient, "")
		logging.Infof("Reporting tokens and events use Redis")
	}

	client := services.NewClient(store, options)

	program, err := models.ParseBillingProgram(cfg.BillingProgram)
	if err != nil {
		return nil, err
	}
	if _, err := client.InitConnection(ctx, &models.ConnectionConfig{BillingProgram: program}); err != nil {
		// the connection can be retried through POST /api/connection/init
		logging.Warnf("Initial billing connection failed: %v", err)
	}
	return client, nil
}
