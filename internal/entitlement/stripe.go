package entitlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckoutSession is a minimal representation of a Stripe checkout.session
// event payload.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	PaymentStatus   string `json:"payment_status"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Paid reports whether the session's own payment status indicates settled
// payment. Async payment methods deliver "unpaid" here and settle through a
// later subscription event.
func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus != "unpaid"
}

// Email returns the best available customer email from the session.
func (s *CheckoutSession) Email() string {
	if email := strings.TrimSpace(s.CustomerDetails.Email); email != "" {
		return email
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// StripeSubscription is a minimal representation of a Stripe subscription
// event payload.
type StripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	TrialStart        int64  `json:"trial_start"`
	TrialEnd          int64  `json:"trial_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *StripeSubscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// CurrentPeriodEnd returns the latest period end across subscription items.
func (s *StripeSubscription) CurrentPeriodEnd() int64 {
	var latest int64
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	return latest
}

// Invoice is a minimal representation of a Stripe invoice event payload.
type Invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// StripeReconciler applies verified Stripe lifecycle events to entitlements.
type StripeReconciler struct {
	store        Store
	ledger       *Ledger
	priceClasses map[string]ProductClass
	now          func() time.Time

	// fetchSubscription retrieves the subscription referenced by a
	// checkout session; injectable for tests.
	fetchSubscription func(ctx context.Context, subscriptionID string) (*StripeSubscription, error)
}

// NewStripeReconciler creates a reconciler. priceClasses maps Stripe price
// IDs to product classes; fetchSubscription may be nil when checkout events
// should fall back to a bare premium grant.
func NewStripeReconciler(store Store, ledger *Ledger, priceClasses map[string]ProductClass, fetchSubscription func(ctx context.Context, subscriptionID string) (*StripeSubscription, error)) *StripeReconciler {
	return &StripeReconciler{
		store:             store,
		ledger:            ledger,
		priceClasses:      priceClasses,
		now:               func() time.Time { return time.Now().UTC() },
		fetchSubscription: fetchSubscription,
	}
}

// HandleCheckoutCompleted links the Stripe customer and subscription to the
// user named in the session metadata and grants the initial entitlement.
func (r *StripeReconciler) HandleCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	userID := strings.TrimSpace(session.Metadata["userId"])
	if userID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Msg("checkout session has no userId metadata, ignoring")
		return nil
	}

	patch := Patch{
		StripeCustomerID: ptr(strings.TrimSpace(session.Customer)),
		LastValidatedAt:  SetTime(r.now()),
	}

	var sub *StripeSubscription
	if subID := strings.TrimSpace(session.Subscription); subID != "" {
		patch.StripeSubscriptionID = ptr(subID)
		if r.fetchSubscription != nil {
			fetched, err := r.fetchSubscription(ctx, subID)
			if err != nil {
				return fmt.Errorf("fetch subscription %s: %w", subID, err)
			}
			sub = fetched
		}
	}

	switch {
	case sub != nil:
		r.applySubscriptionState(&patch, sub)
	case session.Paid():
		patch.MembershipStatus = ptr(StatusPremium)
		patch.IsPremium = ptr(true)
	default:
		// Payment has not settled yet; the subscription.updated event
		// that follows settlement grants access.
		patch.MembershipStatus = ptr(StatusPastDue)
		patch.IsPremium = ptr(false)
	}

	if _, err := r.store.MergeEntitlement(ctx, userID, patch); err != nil {
		return fmt.Errorf("persist checkout entitlement: %w", err)
	}

	if patch.MembershipStatus != nil && *patch.MembershipStatus == StatusTrial {
		if err := r.recordTrial(ctx, userID, session.Email()); err != nil {
			return err
		}
	}

	log.Info().
		Str("user_id", userID).
		Str("session_id", session.ID).
		Str("customer_id", session.Customer).
		Msg("checkout session applied")
	return nil
}

// HandleSubscriptionUpdated maps the subscription status onto the linked
// user's entitlement.
func (r *StripeReconciler) HandleSubscriptionUpdated(ctx context.Context, sub StripeSubscription) error {
	userID, err := r.resolveUser(ctx, sub)
	if err != nil {
		return err
	}
	if userID == "" {
		log.Warn().
			Str("subscription_id", sub.ID).
			Str("customer_id", sub.Customer).
			Msg("subscription event not linked to any user, ignoring")
		return nil
	}

	patch := Patch{
		StripeSubscriptionID: ptr(sub.ID),
		LastValidatedAt:      SetTime(r.now()),
	}
	if customerID := strings.TrimSpace(sub.Customer); customerID != "" {
		patch.StripeCustomerID = ptr(customerID)
	}
	r.applySubscriptionState(&patch, &sub)

	if _, err := r.store.MergeEntitlement(ctx, userID, patch); err != nil {
		return fmt.Errorf("persist subscription update: %w", err)
	}

	if patch.MembershipStatus != nil && *patch.MembershipStatus == StatusTrial {
		if err := r.recordTrial(ctx, userID, ""); err != nil {
			return err
		}
	}

	log.Info().
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Str("stripe_status", sub.Status).
		Msg("subscription update applied")
	return nil
}

// HandleSubscriptionDeleted marks the linked user's entitlement canceled.
func (r *StripeReconciler) HandleSubscriptionDeleted(ctx context.Context, sub StripeSubscription) error {
	userID, err := r.resolveUser(ctx, sub)
	if err != nil {
		return err
	}
	if userID == "" {
		log.Warn().
			Str("subscription_id", sub.ID).
			Str("customer_id", sub.Customer).
			Msg("subscription deletion not linked to any user, ignoring")
		return nil
	}

	patch := Patch{
		MembershipStatus: ptr(StatusCanceled),
		IsPremium:        ptr(false),
		AutoRenewing:     ptr(false),
		LastValidatedAt:  SetTime(r.now()),
	}
	if _, err := r.store.MergeEntitlement(ctx, userID, patch); err != nil {
		return fmt.Errorf("persist subscription deletion: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Msg("subscription canceled")
	return nil
}

// HandleInvoicePaymentFailed marks the linked user's entitlement past due.
// Premium access is suspended until a subsequent payment succeeds.
func (r *StripeReconciler) HandleInvoicePaymentFailed(ctx context.Context, inv Invoice) error {
	customerID := strings.TrimSpace(inv.Customer)
	if customerID == "" {
		return nil
	}
	rec, err := r.store.FindUserByStripeCustomerID(ctx, customerID)
	if err != nil {
		return fmt.Errorf("lookup user by customer %s: %w", customerID, err)
	}
	if rec == nil {
		log.Warn().
			Str("invoice_id", inv.ID).
			Str("customer_id", customerID).
			Msg("payment failure not linked to any user, ignoring")
		return nil
	}
	userID := rec.UserID

	patch := Patch{
		MembershipStatus: ptr(StatusPastDue),
		IsPremium:        ptr(false),
		LastValidatedAt:  SetTime(r.now()),
	}
	if _, err := r.store.MergeEntitlement(ctx, userID, patch); err != nil {
		return fmt.Errorf("persist payment failure: %w", err)
	}

	log.Warn().
		Str("user_id", userID).
		Str("invoice_id", inv.ID).
		Msg("invoice payment failed, entitlement past due")
	return nil
}

// resolveUser finds the user a subscription event belongs to, preferring the
// userId stamped in subscription metadata and falling back to the customer
// ID link persisted at checkout time.
func (r *StripeReconciler) resolveUser(ctx context.Context, sub StripeSubscription) (string, error) {
	if userID := strings.TrimSpace(sub.Metadata["userId"]); userID != "" {
		return userID, nil
	}
	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		return "", nil
	}
	rec, err := r.store.FindUserByStripeCustomerID(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("lookup user by customer %s: %w", customerID, err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.UserID, nil
}

func (r *StripeReconciler) applySubscriptionState(patch *Patch, sub *StripeSubscription) {
	status, premium := mapStripeStatus(sub.Status)
	patch.MembershipStatus = ptr(status)
	patch.IsPremium = ptr(premium)
	patch.AutoRenewing = ptr(!sub.CancelAtPeriodEnd)
	patch.IsLifetime = ptr(false)

	if class, ok := r.priceClasses[sub.FirstPriceID()]; ok {
		patch.ProductClass = ptr(class)
	}
	if end := sub.CurrentPeriodEnd(); end > 0 {
		patch.ExpiresAt = SetTime(time.Unix(end, 0).UTC())
	}
	if status == StatusTrial {
		patch.HasUsedTrial = ptr(true)
		if sub.TrialStart > 0 {
			patch.TrialStart = SetTime(time.Unix(sub.TrialStart, 0).UTC())
		}
		if sub.TrialEnd > 0 {
			patch.TrialEnd = SetTime(time.Unix(sub.TrialEnd, 0).UTC())
			patch.ExpiresAt = SetTime(time.Unix(sub.TrialEnd, 0).UTC())
		}
	}
}

// recordTrial records trial usage for webhook-driven trial starts. The
// ledger tolerates duplicate writes for the same user.
func (r *StripeReconciler) recordTrial(ctx context.Context, userID, email string) error {
	check, err := r.ledger.CheckTrialHistory(ctx, userID, email)
	if err != nil {
		return fmt.Errorf("check trial history: %w", err)
	}
	if check.Used {
		return nil
	}
	if err := r.ledger.RecordTrialUsage(ctx, userID, email); err != nil {
		return fmt.Errorf("record trial usage: %w", err)
	}
	return nil
}

// mapStripeStatus translates a Stripe subscription status into the
// entitlement membership status and premium flag.
func mapStripeStatus(status string) (MembershipStatus, bool) {
	switch status {
	case "active":
		return StatusPremium, true
	case "trialing":
		return StatusTrial, true
	case "past_due", "unpaid", "paused", "incomplete":
		return StatusPastDue, false
	case "canceled", "incomplete_expired":
		return StatusCanceled, false
	default:
		return StatusCanceled, false
	}
}
