package entitlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmail(t *testing.T) {
	ledger := NewLedger(newFakeStore(), "test-salt")

	h1 := ledger.HashEmail("User@Example.com")
	h2 := ledger.HashEmail("  user@example.com ")
	assert.Equal(t, h1, h2, "case and whitespace must not change the hash")
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "example.com", "raw email must not leak into the hash")

	assert.Empty(t, ledger.HashEmail(""))
	assert.Empty(t, ledger.HashEmail("   "))

	other := NewLedger(newFakeStore(), "other-salt")
	assert.NotEqual(t, h1, other.HashEmail("user@example.com"))
}

func TestCheckTrialHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("no history", func(t *testing.T) {
		ledger := NewLedger(newFakeStore(), "salt")
		check, err := ledger.CheckTrialHistory(ctx, "u1", "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, TrialCheck{}, check)
	})

	t.Run("same account", func(t *testing.T) {
		store := newFakeStore()
		ledger := NewLedger(store, "salt")
		require.NoError(t, ledger.RecordTrialUsage(ctx, "u1", "a@b.com"))

		check, err := ledger.CheckTrialHistory(ctx, "u1", "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, TrialCheck{Used: true, SameAccount: true}, check)
	})

	t.Run("same email under deleted account", func(t *testing.T) {
		store := newFakeStore()
		ledger := NewLedger(store, "salt")
		require.NoError(t, ledger.RecordTrialUsage(ctx, "old-user", "a@b.com"))

		check, err := ledger.CheckTrialHistory(ctx, "new-user", "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, TrialCheck{Used: true, SameAccount: false}, check)
	})

	t.Run("empty email skips hash lookup", func(t *testing.T) {
		store := newFakeStore()
		ledger := NewLedger(store, "salt")
		require.NoError(t, ledger.RecordTrialUsage(ctx, "old-user", ""))

		check, err := ledger.CheckTrialHistory(ctx, "new-user", "")
		require.NoError(t, err)
		assert.False(t, check.Used, "two empty email hashes must not collide")
	})
}
