package entitlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// App Store Server Notification V2 types handled by the feed.
const (
	AppleNotifySubscribed         = "SUBSCRIBED"
	AppleNotifyDidRenew           = "DID_RENEW"
	AppleNotifyOfferRedeemed      = "OFFER_REDEEMED"
	AppleNotifyDidChangeRenewal   = "DID_CHANGE_RENEWAL_STATUS"
	AppleNotifyDidChangePref      = "DID_CHANGE_RENEWAL_PREF"
	AppleNotifyDidFailToRenew     = "DID_FAIL_TO_RENEW"
	AppleNotifyExpired            = "EXPIRED"
	AppleNotifyGracePeriodExpired = "GRACE_PERIOD_EXPIRED"
	AppleNotifyRefund             = "REFUND"
	AppleNotifyRevoke             = "REVOKE"

	AppleSubtypeAutoRenewEnabled  = "AUTO_RENEW_ENABLED"
	AppleSubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
	AppleSubtypeGracePeriod       = "GRACE_PERIOD"
)

// AppleNotification is the decoded, signature-verified content of an App
// Store server notification.
type AppleNotification struct {
	Type            string
	Subtype         string
	UUID            string
	AppAccountToken string
	ProductID       string
	TransactionID   string
	ExpiresAt       *time.Time
	InTrial         bool
	AutoRenewing    bool
}

// AppleFeed applies verified App Store server notifications to entitlements.
// Notifications are linked to users through the appAccountToken issued at
// first validation.
type AppleFeed struct {
	store   Store
	ledger  *Ledger
	catalog ProductCatalog
	now     func() time.Time
}

// NewAppleFeed creates an AppleFeed.
func NewAppleFeed(store Store, ledger *Ledger, catalog ProductCatalog) *AppleFeed {
	return &AppleFeed{
		store:   store,
		ledger:  ledger,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply reconciles one notification. Notifications that cannot be linked to
// a user are logged and dropped; Apple retries delivery on non-2xx only, so
// an unlinkable token is never worth a retry storm.
func (f *AppleFeed) Apply(ctx context.Context, n AppleNotification) error {
	token := strings.TrimSpace(n.AppAccountToken)
	if token == "" {
		log.Warn().
			Str("notification_uuid", n.UUID).
			Str("type", n.Type).
			Msg("apple notification carries no appAccountToken, ignoring")
		return nil
	}
	rec, err := f.store.FindUserByPlatformAccountToken(ctx, token)
	if err != nil {
		return fmt.Errorf("lookup user by account token: %w", err)
	}
	if rec == nil {
		log.Warn().
			Str("notification_uuid", n.UUID).
			Str("type", n.Type).
			Msg("apple notification token matches no user, ignoring")
		return nil
	}
	userID := rec.UserID

	patch, recordTrial := f.patchFor(n)
	if patch == nil {
		log.Info().
			Str("notification_uuid", n.UUID).
			Str("type", n.Type).
			Str("subtype", n.Subtype).
			Msg("apple notification type not handled, ignoring")
		return nil
	}

	if _, err := f.store.MergeEntitlement(ctx, userID, *patch); err != nil {
		return fmt.Errorf("persist apple notification: %w", err)
	}

	if recordTrial {
		check, err := f.ledger.CheckTrialHistory(ctx, userID, "")
		if err != nil {
			return fmt.Errorf("check trial history: %w", err)
		}
		if !check.Used {
			if err := f.ledger.RecordTrialUsage(ctx, userID, ""); err != nil {
				return fmt.Errorf("record trial usage: %w", err)
			}
		}
	}

	log.Info().
		Str("user_id", userID).
		Str("notification_uuid", n.UUID).
		Str("type", n.Type).
		Str("subtype", n.Subtype).
		Msg("apple notification applied")
	return nil
}

// patchFor maps a notification onto a merge patch. A nil patch means the
// notification type is not one we act on.
func (f *AppleFeed) patchFor(n AppleNotification) (*Patch, bool) {
	now := f.now()
	base := Patch{LastValidatedAt: SetTime(now)}

	switch n.Type {
	case AppleNotifySubscribed, AppleNotifyDidRenew, AppleNotifyOfferRedeemed:
		status := StatusPremium
		if n.InTrial {
			status = StatusTrial
		}
		base.MembershipStatus = ptr(status)
		base.IsPremium = ptr(true)
		base.AutoRenewing = ptr(n.AutoRenewing)
		base.IsLifetime = ptr(false)
		if class, ok := f.catalog.Class(n.ProductID); ok {
			base.ProductClass = ptr(class)
		}
		if n.ExpiresAt != nil {
			base.ExpiresAt = SetTime(*n.ExpiresAt)
		}
		if n.InTrial {
			base.HasUsedTrial = ptr(true)
			base.TrialStart = SetTime(now)
			if n.ExpiresAt != nil {
				base.TrialEnd = SetTime(*n.ExpiresAt)
			}
		}
		return &base, n.InTrial

	case AppleNotifyDidChangeRenewal:
		switch n.Subtype {
		case AppleSubtypeAutoRenewEnabled:
			base.AutoRenewing = ptr(true)
		case AppleSubtypeAutoRenewDisabled:
			base.AutoRenewing = ptr(false)
		default:
			base.AutoRenewing = ptr(n.AutoRenewing)
		}
		return &base, false

	case AppleNotifyDidChangePref:
		if class, ok := f.catalog.Class(n.ProductID); ok {
			base.ProductClass = ptr(class)
		}
		return &base, false

	case AppleNotifyDidFailToRenew:
		base.MembershipStatus = ptr(StatusPastDue)
		base.IsPremium = ptr(false)
		// A grace period extends the stored expiry so access resumes
		// cleanly once billing recovers.
		if n.ExpiresAt != nil {
			base.ExpiresAt = SetTime(*n.ExpiresAt)
		}
		return &base, false

	case AppleNotifyExpired, AppleNotifyGracePeriodExpired:
		base.MembershipStatus = ptr(StatusCanceled)
		base.IsPremium = ptr(false)
		base.AutoRenewing = ptr(false)
		return &base, false

	case AppleNotifyRefund, AppleNotifyRevoke:
		base.MembershipStatus = ptr(StatusCanceled)
		base.IsPremium = ptr(false)
		base.AutoRenewing = ptr(false)
		base.ExpiresAt = SetTime(now)
		return &base, false
	}

	return nil, false
}
