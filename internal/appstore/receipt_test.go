package appstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagechat/entitlements/internal/entitlement"
)

func verifyServer(t *testing.T, handler func(req verifyRequest) verifyResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, json.NewEncoder(w).Encode(handler(req)))
	}))
}

func newTestReceiptVerifier(productionURL, sandboxURL string) *ReceiptVerifier {
	v := NewReceiptVerifier("shared-secret")
	v.productionURL = productionURL
	v.sandboxURL = sandboxURL
	return v
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func TestVerifySubscription(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Millisecond).UTC()
	older := expiry.Add(-30 * 24 * time.Hour)

	srv := verifyServer(t, func(req verifyRequest) verifyResponse {
		if req.Password != "shared-secret" {
			return verifyResponse{Status: 21004}
		}
		return verifyResponse{
			Status: 0,
			LatestReceiptInfo: []receiptTransaction{
				{ProductID: "premium_monthly", ExpiresDateMs: ms(older), IsTrialPeriod: "false"},
				{ProductID: "premium_monthly", ExpiresDateMs: ms(expiry), IsTrialPeriod: "false"},
				{ProductID: "other_product", ExpiresDateMs: ms(expiry.Add(time.Hour))},
			},
			PendingRenewalInfo: []renewalInfo{
				{ProductID: "premium_monthly", AutoRenewStatus: "1"},
			},
		}
	})
	defer srv.Close()

	v := newTestReceiptVerifier(srv.URL, srv.URL)
	tx, err := v.Verify(context.Background(), "receipt", "premium_monthly", entitlement.ClassMonthly)
	require.NoError(t, err)

	assert.Equal(t, entitlement.PlatformIOS, tx.Platform)
	require.NotNil(t, tx.ExpiresAt)
	assert.Equal(t, expiry, *tx.ExpiresAt, "latest matching transaction wins")
	assert.True(t, tx.AutoRenewing)
	assert.False(t, tx.InTrial)
	assert.False(t, tx.IsLifetime)
}

func TestVerifyTrialFlags(t *testing.T) {
	start := time.Now().Truncate(time.Millisecond).UTC()
	expiry := start.Add(7 * 24 * time.Hour)

	srv := verifyServer(t, func(_ verifyRequest) verifyResponse {
		return verifyResponse{
			Status: 0,
			LatestReceiptInfo: []receiptTransaction{
				{ProductID: "premium_annual", PurchaseDateMs: ms(start), ExpiresDateMs: ms(expiry), IsTrialPeriod: "true"},
			},
			PendingRenewalInfo: []renewalInfo{
				{ProductID: "premium_annual", AutoRenewStatus: "0"},
			},
		}
	})
	defer srv.Close()

	v := newTestReceiptVerifier(srv.URL, srv.URL)
	tx, err := v.Verify(context.Background(), "receipt", "premium_annual", entitlement.ClassAnnual)
	require.NoError(t, err)

	assert.True(t, tx.InTrial)
	require.NotNil(t, tx.TrialStart)
	assert.Equal(t, start, *tx.TrialStart)
	require.NotNil(t, tx.TrialEnd)
	assert.Equal(t, expiry, *tx.TrialEnd)
	assert.False(t, tx.AutoRenewing)
}

func TestVerifySandboxRetry(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond).UTC()

	sandboxCalls := 0
	sandbox := verifyServer(t, func(_ verifyRequest) verifyResponse {
		sandboxCalls++
		return verifyResponse{
			Status: 0,
			LatestReceiptInfo: []receiptTransaction{
				{ProductID: "premium_monthly", ExpiresDateMs: ms(expiry)},
			},
		}
	})
	defer sandbox.Close()

	productionCalls := 0
	production := verifyServer(t, func(_ verifyRequest) verifyResponse {
		productionCalls++
		return verifyResponse{Status: 21007}
	})
	defer production.Close()

	v := newTestReceiptVerifier(production.URL, sandbox.URL)
	tx, err := v.Verify(context.Background(), "sandbox-receipt", "premium_monthly", entitlement.ClassMonthly)
	require.NoError(t, err)
	require.NotNil(t, tx.ExpiresAt)
	assert.Equal(t, 1, productionCalls)
	assert.Equal(t, 1, sandboxCalls)
}

func TestVerifyLifetime(t *testing.T) {
	srv := verifyServer(t, func(_ verifyRequest) verifyResponse {
		resp := verifyResponse{Status: 0}
		resp.Receipt.InApp = []receiptTransaction{
			{ProductID: "premium_lifetime", TransactionID: "tx1"},
		}
		return resp
	})
	defer srv.Close()

	v := newTestReceiptVerifier(srv.URL, srv.URL)
	tx, err := v.Verify(context.Background(), "receipt", "premium_lifetime", entitlement.ClassLifetime)
	require.NoError(t, err)
	assert.True(t, tx.IsLifetime)
	assert.Nil(t, tx.ExpiresAt)
	assert.False(t, tx.InTrial)
}

func TestVerifyFailures(t *testing.T) {
	t.Run("non-zero status", func(t *testing.T) {
		srv := verifyServer(t, func(_ verifyRequest) verifyResponse {
			return verifyResponse{Status: 21003}
		})
		defer srv.Close()

		v := newTestReceiptVerifier(srv.URL, srv.URL)
		_, err := v.Verify(context.Background(), "bad", "premium_monthly", entitlement.ClassMonthly)
		require.Error(t, err)
		assert.Equal(t, entitlement.CategoryFailedPrecondition, entitlement.CategoryOf(err))
	})

	t.Run("product not in receipt", func(t *testing.T) {
		srv := verifyServer(t, func(_ verifyRequest) verifyResponse {
			return verifyResponse{Status: 0}
		})
		defer srv.Close()

		v := newTestReceiptVerifier(srv.URL, srv.URL)
		_, err := v.Verify(context.Background(), "receipt", "premium_monthly", entitlement.ClassMonthly)
		require.Error(t, err)
		assert.Equal(t, entitlement.CategoryFailedPrecondition, entitlement.CategoryOf(err))
	})
}

func TestAutoRenewingDefault(t *testing.T) {
	assert.True(t, autoRenewing(nil, "p"), "missing renewal info defaults to renewing")
	assert.False(t, autoRenewing([]renewalInfo{{ProductID: "p", AutoRenewStatus: "0"}}, "p"))
	assert.True(t, autoRenewing([]renewalInfo{{ProductID: "other", AutoRenewStatus: "0"}}, "p"))
}
