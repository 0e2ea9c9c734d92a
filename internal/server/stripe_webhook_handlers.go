package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/sagechat/entitlements/internal/entitlement"
	"github.com/sagechat/entitlements/internal/server/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// StripeWebhookHandler handles incoming Stripe webhook events.
type StripeWebhookHandler struct {
	secret     string
	reconciler *entitlement.StripeReconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewStripeWebhookHandler creates a Stripe webhook HTTP handler.
func NewStripeWebhookHandler(secret string, reconciler *entitlement.StripeReconciler) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		secret:     secret,
		reconciler: reconciler,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *StripeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r, &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *StripeWebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session entitlement.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.reconciler.HandleCheckoutCompleted(r.Context(), session)

	case "customer.subscription.updated":
		var sub entitlement.StripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.reconciler.HandleSubscriptionUpdated(r.Context(), sub)

	case "customer.subscription.deleted":
		var sub entitlement.StripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.reconciler.HandleSubscriptionDeleted(r.Context(), sub)

	case "invoice.payment_failed":
		var inv entitlement.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.reconciler.HandleInvoicePaymentFailed(r.Context(), inv)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}
