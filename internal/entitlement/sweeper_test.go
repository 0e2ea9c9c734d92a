package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(store *fakeStore) *Sweeper {
	sw := NewSweeper(store, NewLedger(store, "salt"))
	sw.now = func() time.Time { return testNow }
	return sw
}

func TestSweepBackfillsLedger(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	expiry := testNow.Add(5 * 24 * time.Hour)
	store.seed(&Record{
		UserID:           "u1",
		MembershipStatus: StatusTrial,
		IsPremium:        true,
		HasUsedTrial:     true,
		ExpiresAt:        &expiry,
	})

	newTestSweeper(store).Sweep(ctx)

	entry, err := store.GetTrialLedgerEntry(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, entry, "trial without ledger entry must be backfilled")

	// A second pass finds nothing to do.
	newTestSweeper(store).Sweep(ctx)
	assert.Equal(t, 1, store.ledgerWrites)
}

func TestSweepDemotesExpired(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	past := testNow.Add(-24 * time.Hour)
	future := testNow.Add(24 * time.Hour)

	store.seed(&Record{UserID: "expired", MembershipStatus: StatusPremium, IsPremium: true, AutoRenewing: true, ExpiresAt: &past})
	store.seed(&Record{UserID: "current", MembershipStatus: StatusPremium, IsPremium: true, ExpiresAt: &future})
	store.seed(&Record{UserID: "lifetime", MembershipStatus: StatusPremium, IsPremium: true, IsLifetime: true})
	store.seed(&Record{UserID: "already-canceled", MembershipStatus: StatusCanceled, ExpiresAt: &past})

	newTestSweeper(store).Sweep(ctx)

	expired, _ := store.GetEntitlement(ctx, "expired")
	assert.Equal(t, StatusCanceled, expired.MembershipStatus)
	assert.False(t, expired.IsPremium)
	assert.False(t, expired.AutoRenewing)

	current, _ := store.GetEntitlement(ctx, "current")
	assert.Equal(t, StatusPremium, current.MembershipStatus)

	lifetime, _ := store.GetEntitlement(ctx, "lifetime")
	assert.True(t, lifetime.IsPremium)

	canceled, _ := store.GetEntitlement(ctx, "already-canceled")
	assert.Equal(t, StatusCanceled, canceled.MembershipStatus)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	sw := newTestSweeper(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
