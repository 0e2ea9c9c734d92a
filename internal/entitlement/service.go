package entitlement

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Verifier validates a platform purchase credential (receipt or purchase
// token) and returns the normalized transaction.
type Verifier interface {
	Verify(ctx context.Context, credential, productID string, class ProductClass) (*ValidatedTransaction, error)
}

// ValidateRequest is the client-invoked purchase validation payload.
type ValidateRequest struct {
	Platform      string `json:"platform"`
	ProductID     string `json:"productId"`
	Receipt       string `json:"receipt,omitempty"`
	PurchaseToken string `json:"purchaseToken,omitempty"`
}

// ValidateResponse mirrors the persisted entitlement back to the caller so
// the client can update its local view without waiting for a push.
type ValidateResponse struct {
	Valid            bool             `json:"valid"`
	MembershipStatus MembershipStatus `json:"membershipStatus"`
	ExpiryDate       *time.Time       `json:"expiryDate,omitempty"`
	TrialStartDate   *time.Time       `json:"trialStartDate,omitempty"`
	TrialEndDate     *time.Time       `json:"trialEndDate,omitempty"`
	AutoRenewing     bool             `json:"autoRenewing"`
	ProductID        ProductClass     `json:"productId"`
	HasUsedTrial     bool             `json:"hasUsedTrial"`
	IsLifetime       bool             `json:"isLifetime"`
}

// Service orchestrates verify -> derive -> persist for all reconciliation
// entry points.
type Service struct {
	store   Store
	ledger  *Ledger
	catalog ProductCatalog
	apple   Verifier // nil when App Store credentials are not configured
	google  Verifier // nil when Play credentials are not configured

	now      func() time.Time
	newToken func() string
}

// NewService creates a Service. Either verifier may be nil; validation calls
// for that platform then fail with a precondition error.
func NewService(store Store, ledger *Ledger, catalog ProductCatalog, apple, google Verifier) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		catalog:  catalog,
		apple:    apple,
		google:   google,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: func() string { return uuid.NewString() },
	}
}

// ValidatePurchase verifies a purchase with its platform, derives the new
// entitlement, and persists it. userID is the authenticated caller identity.
func (s *Service) ValidatePurchase(ctx context.Context, userID, email string, req ValidateRequest) (*ValidateResponse, error) {
	platform, ok := ParsePlatform(req.Platform)
	if !ok {
		return nil, Errorf(CategoryInvalidArgument, nil, "unsupported platform %q", req.Platform)
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return nil, Errorf(CategoryInvalidArgument, nil, "productId is required")
	}
	class, ok := s.catalog.Class(productID)
	if !ok {
		return nil, Errorf(CategoryNotFound, nil, "unknown product %q", productID)
	}

	var verifier Verifier
	var credential string
	switch platform {
	case PlatformIOS:
		verifier, credential = s.apple, strings.TrimSpace(req.Receipt)
		if credential == "" {
			return nil, Errorf(CategoryInvalidArgument, nil, "receipt is required for ios purchases")
		}
	case PlatformAndroid:
		verifier, credential = s.google, strings.TrimSpace(req.PurchaseToken)
		if credential == "" {
			return nil, Errorf(CategoryInvalidArgument, nil, "purchaseToken is required for android purchases")
		}
	default:
		return nil, Errorf(CategoryInvalidArgument, nil, "platform %q cannot be validated client-side", platform)
	}
	if verifier == nil {
		return nil, Errorf(CategoryFailedPrecondition, nil, "%s validation is not configured", platform)
	}

	prior, err := s.store.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, Errorf(CategoryInternal, err, "load entitlement")
	}
	// Lifetime entitlements are served from the persisted record without
	// contacting the platform; they cannot expire or be revoked through
	// normal lifecycle events.
	if prior != nil && prior.IsLifetime {
		return responseFromRecord(prior), nil
	}

	tx, err := verifier.Verify(ctx, credential, productID, class)
	if err != nil {
		if CategoryOf(err) != CategoryInternal {
			return nil, err
		}
		return nil, Errorf(CategoryFailedPrecondition, err, "%s purchase verification failed", platform)
	}
	tx.Platform = platform
	tx.ProductClass = class

	var trial TrialCheck
	if tx.InTrial {
		trial, err = s.ledger.CheckTrialHistory(ctx, userID, email)
		if err != nil {
			return nil, Errorf(CategoryInternal, err, "check trial history")
		}
	}

	outcome, err := Derive(*tx, trial, prior, s.now())
	if err != nil {
		return nil, err
	}
	if outcome.CachedLifetime {
		return responseFromRecord(prior), nil
	}

	if prior == nil || prior.PlatformAccountToken == "" {
		outcome.Patch.PlatformAccountToken = ptr(s.newToken())
	}

	merged, err := s.store.MergeEntitlement(ctx, userID, outcome.Patch)
	if err != nil {
		return nil, Errorf(CategoryInternal, err, "persist entitlement")
	}

	// The ledger create is a separate write; a crash here leaves a trial
	// without a ledger entry, which the reconciliation sweep backfills.
	if outcome.RecordLedger {
		if err := s.ledger.RecordTrialUsage(ctx, userID, email); err != nil {
			return nil, Errorf(CategoryInternal, err, "record trial usage")
		}
	}

	log.Info().
		Str("user_id", userID).
		Str("platform", string(platform)).
		Str("product_id", productID).
		Str("membership_status", string(merged.MembershipStatus)).
		Bool("in_trial", tx.InTrial).
		Msg("purchase validated")

	return responseFromRecord(merged), nil
}

// GetEntitlement returns the user's current persisted entitlement, creating
// nothing. Used by the support/admin surface.
func (s *Service) GetEntitlement(ctx context.Context, userID string) (*Record, error) {
	rec, err := s.store.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, Errorf(CategoryInternal, err, "load entitlement")
	}
	if rec == nil {
		return nil, Errorf(CategoryNotFound, nil, "no entitlement for user %q", userID)
	}
	return rec, nil
}

func responseFromRecord(rec *Record) *ValidateResponse {
	return &ValidateResponse{
		Valid:            rec.IsPremium,
		MembershipStatus: rec.MembershipStatus,
		ExpiryDate:       rec.ExpiresAt,
		TrialStartDate:   rec.TrialStart,
		TrialEndDate:     rec.TrialEnd,
		AutoRenewing:     rec.AutoRenewing,
		ProductID:        rec.ProductClass,
		HasUsedTrial:     rec.HasUsedTrial,
		IsLifetime:       rec.IsLifetime,
	}
}
