package entitlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Ledger manages the trial-usage ledger: a write-once-per-identity record
// that outlives account deletion so a deleted-and-recreated account cannot
// claim a second free trial with the same email.
type Ledger struct {
	store Store
	salt  []byte
	now   func() time.Time
}

// NewLedger creates a Ledger. The salt is applied to every email hash and
// must stay stable for the lifetime of the ledger.
func NewLedger(store Store, salt string) *Ledger {
	return &Ledger{
		store: store,
		salt:  []byte(salt),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// HashEmail computes the salted one-way hash stored in the ledger. The raw
// email itself is never persisted.
func (l *Ledger) HashEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	mac := hmac.New(sha256.New, l.salt)
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckTrialHistory reports whether this identity has already consumed a
// trial. A hit on the caller's own user ID is a re-validation, not abuse;
// a hit on the email hash under a different user ID is the abuse case.
func (l *Ledger) CheckTrialHistory(ctx context.Context, userID, email string) (TrialCheck, error) {
	entry, err := l.store.GetTrialLedgerEntry(ctx, userID)
	if err != nil {
		return TrialCheck{}, fmt.Errorf("lookup trial ledger by user: %w", err)
	}
	if entry != nil {
		return TrialCheck{Used: true, SameAccount: true}, nil
	}

	hash := l.HashEmail(email)
	if hash == "" {
		return TrialCheck{}, nil
	}
	entry, err = l.store.FindTrialLedgerByEmailHash(ctx, hash)
	if err != nil {
		return TrialCheck{}, fmt.Errorf("lookup trial ledger by email hash: %w", err)
	}
	if entry != nil {
		log.Warn().
			Str("user_id", userID).
			Str("prior_user_id", entry.UserID).
			Msg("trial history hit under a different account")
		return TrialCheck{Used: true, SameAccount: false}, nil
	}
	return TrialCheck{}, nil
}

// RecordTrialUsage writes the ledger entry for a newly granted trial. It is
// called exactly once per identity, after CheckTrialHistory confirmed no
// prior entry exists for the user ID.
func (l *Ledger) RecordTrialUsage(ctx context.Context, userID, email string) error {
	entry := &LedgerEntry{
		UserID:         userID,
		EmailHash:      l.HashEmail(email),
		FirstTrialDate: l.now(),
	}
	if err := l.store.CreateTrialLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("create trial ledger entry: %w", err)
	}
	log.Info().Str("user_id", userID).Msg("trial usage recorded")
	return nil
}
