package entitlement

import (
	"time"
)

// Outcome is the result of deriving a new entitlement from a validated
// transaction.
type Outcome struct {
	// Patch is the partial entitlement update to persist.
	Patch Patch
	// RecordLedger is true when a new trial-ledger entry must be written
	// for this identity after the entitlement merge.
	RecordLedger bool
	// CachedLifetime is true when the prior entitlement is lifetime and the
	// call short-circuits without touching anything.
	CachedLifetime bool
}

// Derive turns a validated platform transaction into an entitlement update,
// applying trial-abuse policy. It is a pure function: all persistence
// decisions are returned in the Outcome.
//
// Policy, in order:
//  1. A prior lifetime entitlement is returned unchanged; lifetime purchases
//     cannot expire or be revoked through normal lifecycle events, so they
//     are never re-validated.
//  2. A non-lifetime transaction whose expiry is already in the past is a
//     failed precondition, not a downgrade.
//  3. Trial transactions consult the ledger: a hit under a different account
//     rejects the whole operation with ErrTrialAlreadyUsed and persists
//     nothing; a fresh trial schedules a ledger write.
func Derive(tx ValidatedTransaction, trial TrialCheck, prior *Record, now time.Time) (Outcome, error) {
	if prior != nil && prior.IsLifetime {
		return Outcome{CachedLifetime: true}, nil
	}

	if !tx.IsLifetime {
		if tx.ExpiresAt == nil {
			return Outcome{}, Errorf(CategoryFailedPrecondition, nil,
				"subscription transaction for %s has no expiry", tx.ProductID)
		}
		if !tx.ExpiresAt.After(now) {
			return Outcome{}, Errorf(CategoryFailedPrecondition, nil,
				"subscription for %s expired at %s", tx.ProductID, tx.ExpiresAt.Format(time.RFC3339))
		}
	}

	status := StatusPremium
	if tx.InTrial {
		status = StatusTrial
	}

	out := Outcome{
		Patch: Patch{
			MembershipStatus: &status,
			IsPremium:        ptr(true),
			ProductClass:     &tx.ProductClass,
			AutoRenewing:     ptr(tx.AutoRenewing),
			IsLifetime:       ptr(tx.IsLifetime),
			LastValidatedAt:  SetTime(now),
		},
	}
	if tx.IsLifetime {
		out.Patch.ExpiresAt = SetTimePtr(nil)
		out.Patch.AutoRenewing = ptr(false)
	} else {
		out.Patch.ExpiresAt = SetTimePtr(tx.ExpiresAt)
	}

	if tx.InTrial {
		if trial.Used && !trial.SameAccount {
			return Outcome{}, ErrTrialAlreadyUsed
		}
		out.Patch.HasUsedTrial = ptr(true)
		out.Patch.TrialStart = SetTimePtr(tx.TrialStart)
		out.Patch.TrialEnd = SetTimePtr(tx.TrialEnd)
		out.RecordLedger = !trial.Used
	}

	return out, nil
}
