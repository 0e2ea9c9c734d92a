package entitlement

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestDeriveSubscription(t *testing.T) {
	expiry := testNow.Add(30 * 24 * time.Hour)
	tx := ValidatedTransaction{
		Platform:     PlatformIOS,
		ProductID:    "premium_monthly",
		ProductClass: ClassMonthly,
		ExpiresAt:    &expiry,
		AutoRenewing: true,
	}

	out, err := Derive(tx, TrialCheck{}, nil, testNow)
	require.NoError(t, err)

	require.NotNil(t, out.Patch.MembershipStatus)
	assert.Equal(t, StatusPremium, *out.Patch.MembershipStatus)
	assert.True(t, *out.Patch.IsPremium)
	assert.Equal(t, ClassMonthly, *out.Patch.ProductClass)
	assert.True(t, *out.Patch.AutoRenewing)
	assert.False(t, *out.Patch.IsLifetime)
	require.True(t, out.Patch.ExpiresAt.Set)
	assert.Equal(t, expiry, *out.Patch.ExpiresAt.Value)
	assert.False(t, out.RecordLedger)
	assert.False(t, out.CachedLifetime)
}

func TestDeriveLifetime(t *testing.T) {
	tx := ValidatedTransaction{
		Platform:     PlatformIOS,
		ProductID:    "premium_lifetime",
		ProductClass: ClassLifetime,
		IsLifetime:   true,
		AutoRenewing: true, // verifier noise, must be overridden
	}

	out, err := Derive(tx, TrialCheck{}, nil, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusPremium, *out.Patch.MembershipStatus)
	assert.True(t, *out.Patch.IsLifetime)
	assert.False(t, *out.Patch.AutoRenewing)
	require.True(t, out.Patch.ExpiresAt.Set, "lifetime must clear any stored expiry")
	assert.Nil(t, out.Patch.ExpiresAt.Value)
}

func TestDerivePriorLifetimeShortCircuits(t *testing.T) {
	prior := &Record{UserID: "u1", IsLifetime: true, MembershipStatus: StatusPremium}
	tx := ValidatedTransaction{ProductID: "premium_monthly", ProductClass: ClassMonthly}

	out, err := Derive(tx, TrialCheck{}, prior, testNow)
	require.NoError(t, err)
	assert.True(t, out.CachedLifetime)
	assert.False(t, out.RecordLedger)
}

func TestDeriveExpiredTransaction(t *testing.T) {
	past := testNow.Add(-time.Hour)
	tests := []struct {
		name string
		tx   ValidatedTransaction
	}{
		{"expired", ValidatedTransaction{ProductID: "p", ProductClass: ClassMonthly, ExpiresAt: &past}},
		{"no expiry", ValidatedTransaction{ProductID: "p", ProductClass: ClassMonthly}},
		{"expires exactly now", ValidatedTransaction{ProductID: "p", ProductClass: ClassMonthly, ExpiresAt: &testNow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.tx, TrialCheck{}, nil, testNow)
			require.Error(t, err)
			assert.Equal(t, CategoryFailedPrecondition, CategoryOf(err))
		})
	}
}

func TestDeriveTrial(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	start := testNow
	tx := ValidatedTransaction{
		Platform:     PlatformAndroid,
		ProductID:    "premium_annual",
		ProductClass: ClassAnnual,
		ExpiresAt:    &expiry,
		InTrial:      true,
		TrialStart:   &start,
		TrialEnd:     &expiry,
		AutoRenewing: true,
	}

	t.Run("fresh trial", func(t *testing.T) {
		out, err := Derive(tx, TrialCheck{}, nil, testNow)
		require.NoError(t, err)
		assert.Equal(t, StatusTrial, *out.Patch.MembershipStatus)
		assert.True(t, *out.Patch.HasUsedTrial)
		assert.True(t, out.RecordLedger)
		require.True(t, out.Patch.TrialStart.Set)
		assert.Equal(t, start, *out.Patch.TrialStart.Value)
	})

	t.Run("re-validation on same account", func(t *testing.T) {
		out, err := Derive(tx, TrialCheck{Used: true, SameAccount: true}, nil, testNow)
		require.NoError(t, err)
		assert.Equal(t, StatusTrial, *out.Patch.MembershipStatus)
		assert.False(t, out.RecordLedger, "existing ledger entry must not be rewritten")
	})

	t.Run("different account is rejected", func(t *testing.T) {
		_, err := Derive(tx, TrialCheck{Used: true, SameAccount: false}, nil, testNow)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTrialAlreadyUsed))
	})
}
