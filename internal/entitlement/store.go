package entitlement

import (
	"context"
	"time"
)

// Store is the persistence contract this package consumes. It assumes
// per-row atomic merge semantics; it does not assume any transaction
// spanning the user row and the trial ledger.
type Store interface {
	// GetEntitlement returns the user's entitlement record, or nil if the
	// user has never validated a purchase.
	GetEntitlement(ctx context.Context, userID string) (*Record, error)
	// MergeEntitlement applies a partial update, creating the record if
	// absent, and returns the merged result.
	MergeEntitlement(ctx context.Context, userID string, patch Patch) (*Record, error)

	GetTrialLedgerEntry(ctx context.Context, userID string) (*LedgerEntry, error)
	FindTrialLedgerByEmailHash(ctx context.Context, emailHash string) (*LedgerEntry, error)
	CreateTrialLedgerEntry(ctx context.Context, entry *LedgerEntry) error

	FindUserByPlatformAccountToken(ctx context.Context, token string) (*Record, error)
	FindUserByStripeCustomerID(ctx context.Context, customerID string) (*Record, error)
}

// SweepStore is the extra read surface the reconciliation sweeper needs.
type SweepStore interface {
	Store
	// ListTrialsWithoutLedger returns records that claim trial usage but
	// have no matching ledger entry (the non-transactional crash window).
	ListTrialsWithoutLedger(ctx context.Context) ([]*Record, error)
	// ListExpired returns non-lifetime records still marked premium/trial
	// whose expiry is before cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*Record, error)
}
