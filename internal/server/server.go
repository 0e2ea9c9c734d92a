// Package server assembles and runs the entitlement reconciliation service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sagechat/entitlements/internal/appstore"
	"github.com/sagechat/entitlements/internal/config"
	"github.com/sagechat/entitlements/internal/entitlement"
	"github.com/sagechat/entitlements/internal/logging"
	"github.com/sagechat/entitlements/internal/playstore"
	"github.com/sagechat/entitlements/internal/server/metrics"
	"github.com/sagechat/entitlements/internal/store"
)

// Run starts the entitlement service with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})
	log.Info().Str("version", version).Msg("Starting entitlement service")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer st.Close()

	ledger := entitlement.NewLedger(st, cfg.TrialLedgerSalt)
	catalog := entitlement.NewProductCatalog(cfg.ProductsMonthly, cfg.ProductsAnnual, cfg.ProductsLifetime)

	var apple entitlement.Verifier
	if cfg.AppleEnabled() {
		apple = appstore.NewReceiptVerifier(cfg.AppleSharedSecret)
		log.Info().Str("bundle_id", cfg.AppleBundleID).Msg("App Store receipt verification enabled")
	} else {
		log.Info().Msg("App Store receipt verification disabled (set APPLE_SHARED_SECRET to enable)")
	}

	var google entitlement.Verifier
	if cfg.GoogleEnabled() {
		creds, err := cfg.GoogleCredentials()
		if err != nil {
			return fmt.Errorf("load google credentials: %w", err)
		}
		verifier, err := playstore.NewVerifier(ctx, creds, cfg.GooglePackageName)
		if err != nil {
			return fmt.Errorf("init play verifier: %w", err)
		}
		google = verifier
		log.Info().Str("package", cfg.GooglePackageName).Msg("Google Play verification enabled")
	} else {
		log.Info().Msg("Google Play verification disabled (set GOOGLE_CREDENTIALS_FILE to enable)")
	}

	var decoder NotificationDecoder
	if cfg.AppleRootCAFile != "" {
		rootPEM, err := os.ReadFile(cfg.AppleRootCAFile)
		if err != nil {
			return fmt.Errorf("read apple root CA: %w", err)
		}
		verifier, err := appstore.NewNotificationVerifier(rootPEM, cfg.AppleBundleID)
		if err != nil {
			return fmt.Errorf("init apple notification verifier: %w", err)
		}
		decoder = verifier
		log.Info().Msg("App Store server notifications enabled")
	}

	priceClasses := make(map[string]entitlement.ProductClass)
	for priceID, class := range cfg.StripePriceClasses() {
		priceClasses[priceID] = entitlement.ProductClass(class)
	}

	deps := &Deps{
		Config:              cfg,
		Store:               st,
		Service:             entitlement.NewService(st, ledger, catalog, apple, google),
		StripeReconciler:    entitlement.NewStripeReconciler(st, ledger, priceClasses, NewStripeSubscriptionFetcher(cfg.StripeAPIKey)),
		AppleFeed:           entitlement.NewAppleFeed(st, ledger, catalog),
		NotificationDecoder: decoder,
		Version:             version,
		StartedAt:           time.Now().UTC(),
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entitlement.SetSweepMetricHooks(metrics.RecordSweeperBackfill, metrics.RecordSweeperDemotion)
	sweeper := entitlement.NewSweeper(st, ledger)
	go sweeper.Run(ctx)

	go func() {
		log.Info().Str("addr", addr).Msg("Entitlement service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Entitlement service stopped")
	return nil
}
