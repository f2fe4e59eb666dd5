package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castellan-sec/castellan/internal"
	"github.com/castellan-sec/castellan/internal/billing"
	"github.com/castellan-sec/castellan/internal/email"
	"github.com/castellan-sec/castellan/internal/handler"
	"github.com/castellan-sec/castellan/internal/invoice"
	"github.com/castellan-sec/castellan/internal/metrics"
	"github.com/castellan-sec/castellan/internal/middleware"
	"github.com/castellan-sec/castellan/internal/repository"
	"github.com/castellan-sec/castellan/internal/service"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database connection
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	if err := internal.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	// Initialize repository
	repo := repository.New(db)

	// Initialize billing
	billingService := billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	// Initialize email
	emailService, err := email.NewSMTPService(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, cfg.OpsInbox, logger)
	if err != nil {
		return fmt.Errorf("email service initialization failed: %w", err)
	}

	// Initialize invoice generation
	invoiceGenerator := invoice.NewGenerator(cfg.CompanyName, cfg.CompanyAddress)

	// Initialize services
	checkoutService := service.NewCheckoutService(repo, billingService, logger)
	reconcilerService := service.NewReconcilerService(repo, billingService, emailService, invoiceGenerator, logger)
	subscriptionService := service.NewSubscriptionService(repo, billingService, logger)
	inquiryService := service.NewInquiryService(repo, emailService, logger)

	// Initialize handlers
	checkoutHandler := handler.NewCheckoutHandler(checkoutService, logger)
	webhookHandler := handler.NewWebhookHandler(billingService, reconcilerService, logger)
	adminHandler := handler.NewAdminHandler(subscriptionService, inquiryService, logger)
	contactHandler := handler.NewContactHandler(inquiryService, logger)

	// Initialize middleware
	isSecure := cfg.Env != "development"
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	adminAuth := middleware.NewBasicAuthMiddleware("admin", cfg.AdminUsername, cfg.AdminPassword)
	metricsAuth := middleware.NewBasicAuthMiddleware("metrics", cfg.MetricsUsername, cfg.MetricsPassword)

	publicLimiter := middleware.NewRateLimiter(cfg.PublicRateLimit, cfg.PublicRateWindow, logger)
	publicLimit := middleware.NewRateLimitMiddleware(publicLimiter, logger)

	if cfg.AdminUsername == "" && cfg.AdminPassword == "" {
		logger.Warn("admin API is unprotected; set ADMIN_USERNAME and ADMIN_PASSWORD")
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Public storefront endpoints, rate limited per client IP
	publicMux := http.NewServeMux()
	checkoutHandler.RegisterRoutes(publicMux)
	contactHandler.RegisterRoutes(publicMux)
	mux.Handle("POST /subscription/create-payment-intent", publicLimit.Limit(publicMux))
	mux.Handle("POST /contact", publicLimit.Limit(publicMux))

	// Stripe webhook (authenticated by signature, never rate limited)
	webhookHandler.RegisterRoutes(mux)

	// Admin API behind basic auth
	adminMux := http.NewServeMux()
	adminHandler.RegisterRoutes(adminMux)
	mux.Handle("/admin/", adminAuth.Handler(adminMux))

	// Prometheus metrics behind its own basic auth
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	// Global middleware: security headers, then metrics, then request logging
	root := middleware.Stack(
		securityMw.Handler,
		metrics.Middleware,
		loggingMw.Handler,
	)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: root,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
