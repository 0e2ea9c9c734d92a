package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagechat/entitlements/internal/config"
	"github.com/sagechat/entitlements/internal/entitlement"
	"github.com/sagechat/entitlements/internal/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config              *config.Config
	Store               *store.Store
	Service             *entitlement.Service
	StripeReconciler    *entitlement.StripeReconciler
	AppleFeed           *entitlement.AppleFeed
	NotificationDecoder NotificationDecoder // nil when Apple notifications are not configured
	Version             string
	StartedAt           time.Time
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	// Status and metrics are private.
	mux.Handle("/status", adminAuth(HandleStatus(deps.Version, deps.StartedAt)))
	mux.Handle("/metrics", adminAuth(promhttp.Handler()))

	// Client-invoked purchase validation (bearer-JWT authenticated).
	mux.Handle("/api/validate-purchase",
		RequireAuth(deps.Config.AuthSecret, HandleValidatePurchase(deps.Service)))

	// Stripe webhook (signature-authenticated).
	webhookHandler := NewStripeWebhookHandler(deps.Config.StripeWebhookSecret, deps.StripeReconciler)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Apple server notifications (JWS-authenticated inside the handler).
	if deps.NotificationDecoder != nil {
		notificationLimiter := NewRateLimiter(120, time.Minute)
		mux.Handle("/api/apple/notifications",
			notificationLimiter.Middleware(HandleAppleNotifications(deps.NotificationDecoder, deps.AppleFeed)))
	}

	// Support surface.
	mux.Handle("/admin/entitlements/{userID}", adminAuth(HandleGetEntitlement(deps.Service)))
}
