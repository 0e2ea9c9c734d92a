package entitlement

import (
	"context"
	"sync"
	"time"
)

// fakeStore is an in-memory SweepStore with the same merge semantics as the
// sqlite-backed store.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ledger  map[string]*LedgerEntry

	mergeErr        error
	createLedgerErr error
	mergeCalls      int
	ledgerWrites    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*Record),
		ledger:  make(map[string]*LedgerEntry),
	}
}

func (f *fakeStore) seed(rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.UserID] = rec
}

func (f *fakeStore) GetEntitlement(_ context.Context, userID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) MergeEntitlement(_ context.Context, userID string, patch Patch) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	rec, ok := f.records[userID]
	if !ok {
		rec = &Record{UserID: userID, MembershipStatus: StatusDemo, CreatedAt: time.Now().UTC()}
		f.records[userID] = rec
	}
	applyPatch(rec, patch)
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

func applyPatch(rec *Record, patch Patch) {
	if patch.MembershipStatus != nil {
		rec.MembershipStatus = *patch.MembershipStatus
	}
	if patch.IsPremium != nil {
		rec.IsPremium = *patch.IsPremium
	}
	if patch.ProductClass != nil {
		rec.ProductClass = *patch.ProductClass
	}
	if patch.ExpiresAt.Set {
		rec.ExpiresAt = patch.ExpiresAt.Value
	}
	if patch.AutoRenewing != nil {
		rec.AutoRenewing = *patch.AutoRenewing
	}
	if patch.IsLifetime != nil {
		rec.IsLifetime = *patch.IsLifetime
	}
	if patch.TrialStart.Set {
		rec.TrialStart = patch.TrialStart.Value
	}
	if patch.TrialEnd.Set {
		rec.TrialEnd = patch.TrialEnd.Value
	}
	if patch.HasUsedTrial != nil {
		rec.HasUsedTrial = *patch.HasUsedTrial
	}
	if patch.LastValidatedAt.Set {
		rec.LastValidatedAt = patch.LastValidatedAt.Value
	}
	if patch.PlatformAccountToken != nil {
		rec.PlatformAccountToken = *patch.PlatformAccountToken
	}
	if patch.StripeCustomerID != nil {
		rec.StripeCustomerID = *patch.StripeCustomerID
	}
	if patch.StripeSubscriptionID != nil {
		rec.StripeSubscriptionID = *patch.StripeSubscriptionID
	}
}

func (f *fakeStore) GetTrialLedgerEntry(_ context.Context, userID string) (*LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.ledger[userID]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (f *fakeStore) FindTrialLedgerByEmailHash(_ context.Context, emailHash string) (*LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if emailHash == "" {
		return nil, nil
	}
	for _, entry := range f.ledger {
		if entry.EmailHash == emailHash {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateTrialLedgerEntry(_ context.Context, entry *LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createLedgerErr != nil {
		return f.createLedgerErr
	}
	if _, exists := f.ledger[entry.UserID]; exists {
		return nil
	}
	cp := *entry
	f.ledger[entry.UserID] = &cp
	f.ledgerWrites++
	return nil
}

func (f *fakeStore) FindUserByPlatformAccountToken(_ context.Context, token string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.PlatformAccountToken == token {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindUserByStripeCustomerID(_ context.Context, customerID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.StripeCustomerID == customerID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListTrialsWithoutLedger(_ context.Context) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, rec := range f.records {
		if rec.HasUsedTrial {
			if _, ok := f.ledger[rec.UserID]; !ok {
				cp := *rec
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpired(_ context.Context, cutoff time.Time) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, rec := range f.records {
		if rec.IsLifetime || !rec.MembershipStatus.Premium() {
			continue
		}
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
