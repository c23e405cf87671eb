package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v5"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go"

	"festival-gate/config"
	"festival-gate/handlers"
	_ "festival-gate/migrations"
	"festival-gate/monitoring"
	"festival-gate/services"
	"festival-gate/services/bank"
	"festival-gate/utils"
)

func main() {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize PubNub (ticket change fanout)
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	// Create context for background tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the bank gateway when configured. Without it the gate
	// still sells for cash and card.
	var gateway bank.Provider
	if cfg.BankBaseURL != "" {
		g, err := bank.New(ctx, &bank.Config{
			BaseURL:    cfg.BankBaseURL,
			MerchantID: cfg.BankMerchantID,
			ClientID:   cfg.BankClientID,
			ClientKey:  cfg.BankClientKey,
			HMACKey:    cfg.BankHMACKey,
			PNSubKey:   cfg.BankPNSubKey,
			PNChannel:  cfg.BankPNChannel,
			PNUUID:     cfg.BankPNUUID,
		})
		if err != nil {
			log.Fatalf("bank gateway init: %v", err)
		}
		gateway = g
		defer g.Close(context.Background())
	} else {
		log.Println("bank gateway not configured, bank_qr payments disabled")
	}

	// Initialize services
	backend := services.NewPBBackend(app)
	store := services.NewTicketStore(backend, redisClient, pn, cfg.StoreTimeout)
	identity := services.NewPBIdentity(app, redisClient, cfg.ProfileCacheTTL)
	saleService := services.NewSaleService(backend, cfg.StoreTimeout)
	paymentService := services.NewPaymentService(ctx, redisClient, pn, gateway, cfg.Currency, cfg.BankQRExpiry)

	prices := services.PriceTable{Kids: cfg.KidsPrice, Adults: cfg.AdultsPrice}
	redemption := services.NewRedemptionService(store, identity, saleService, redisClient, prices, cfg.TicketValidity, cfg.ScanLockTTL)

	// Initialize handlers
	scanHandler := handlers.NewScanHandler(app, redemption, paymentService, cfg.BankWebhookSecretHash)
	ticketHandler := handlers.NewTicketHandler(app, store, redemption)
	sellerHandler := handlers.NewSellerHandler(app, saleService)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Mint the long-lived wallet code for every new user.
	app.OnRecordAfterCreateRequest("users").Add(func(e *core.RecordCreateEvent) error {
		if err := services.EnsureUserCode(app, e.Record.Id); err != nil {
			log.Printf("ensure user code for %s: %v", e.Record.Id, err)
		}
		return nil
	})

	if cfg.EnableMetrics {
		monitoring.Serve(cfg.MetricsPort)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	// Register routes
	app.OnBeforeServe().Add(func(e *core.ServeEvent) error {
		// Migrations have run by now; warm the in-memory snapshot
		// before the first request can hit it.
		if err := store.Hydrate(ctx); err != nil {
			log.Printf("hydrate ticket store: %v", err)
		}

		auth := []echo.MiddlewareFunc{apis.ActivityLogger(app), apis.RequireRecordAuth("users")}

		// Gate scan flow
		e.Router.POST("/api/scan", scanHandler.Scan, auth...)
		e.Router.POST("/api/scan/quote", scanHandler.Quote, auth...)
		e.Router.POST("/api/scan/confirm", scanHandler.Confirm, auth...)
		e.Router.POST("/api/scan/cancel", scanHandler.Cancel, auth...)

		// Bank settlement
		e.Router.POST("/api/scan/payment-qr", scanHandler.PaymentQR, auth...)
		e.Router.GET("/api/payments/:id", scanHandler.PaymentStatus, auth...)
		e.Router.POST("/api/payments/notify", scanHandler.PaymentWebhook)

		// Ticket endpoints
		e.Router.POST("/api/tickets/reserve", ticketHandler.Reserve, auth...)
		e.Router.GET("/api/tickets/mine", ticketHandler.Mine, auth...)
		e.Router.GET("/api/tickets/:id", ticketHandler.Get, auth...)
		e.Router.GET("/api/tickets/:id/qr", ticketHandler.TicketQR, auth...)
		e.Router.GET("/api/me/qr", ticketHandler.MyQR, auth...)

		// Seller endpoints
		e.Router.GET("/api/seller/sales", sellerHandler.Sales, auth...)
		e.Router.GET("/api/seller/summary", sellerHandler.Summary, auth...)

		// Health check
		e.Router.GET("/health", func(c echo.Context) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return c.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return c.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return nil
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
