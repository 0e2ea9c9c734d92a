package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagechat/entitlements/internal/entitlement"
	"github.com/sagechat/entitlements/internal/store"
)

type stubDecoder struct {
	notification *entitlement.AppleNotification
	err          error
}

func (d *stubDecoder) Decode(string) (*entitlement.AppleNotification, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.notification, nil
}

func newNotificationEndpoint(t *testing.T, decoder NotificationDecoder) (http.HandlerFunc, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	feed := entitlement.NewAppleFeed(st, entitlement.NewLedger(st, "salt"), entitlement.ProductCatalog{})
	return HandleAppleNotifications(decoder, feed), st
}

func postNotification(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/apple/notifications", strings.NewReader(body))
	handler(rec, req)
	return rec
}

func TestAppleNotificationsAppliesExpiry(t *testing.T) {
	expiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	decoder := &stubDecoder{notification: &entitlement.AppleNotification{
		Type:            entitlement.AppleNotifyExpired,
		UUID:            "n-1",
		AppAccountToken: "token-1",
		ExpiresAt:       &expiry,
	}}
	handler, st := newNotificationEndpoint(t, decoder)

	ctx := context.Background()
	_, err := st.MergeEntitlement(ctx, "u1", entitlement.Patch{
		MembershipStatus:     func() *entitlement.MembershipStatus { s := entitlement.StatusPremium; return &s }(),
		IsPremium:            func() *bool { b := true; return &b }(),
		PlatformAccountToken: func() *string { s := "token-1"; return &s }(),
	})
	require.NoError(t, err)

	rec := postNotification(handler, `{"signedPayload":"header.payload.sig"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	got, err := st.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, got.MembershipStatus)
	assert.False(t, got.IsPremium)
}

func TestAppleNotificationsAcksBadBody(t *testing.T) {
	handler, _ := newNotificationEndpoint(t, &stubDecoder{})

	for name, body := range map[string]string{
		"not json":      "not json at all",
		"empty payload": `{"signedPayload":""}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postNotification(handler, body)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "OK", rec.Body.String())
		})
	}
}

func TestAppleNotificationsAcksVerifyFailure(t *testing.T) {
	decoder := &stubDecoder{err: errors.New("signature invalid")}
	handler, _ := newNotificationEndpoint(t, decoder)

	rec := postNotification(handler, `{"signedPayload":"bad"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAppleNotificationsAcksUnlinkedToken(t *testing.T) {
	decoder := &stubDecoder{notification: &entitlement.AppleNotification{
		Type:            entitlement.AppleNotifyDidRenew,
		UUID:            "n-2",
		AppAccountToken: "never-issued",
	}}
	handler, st := newNotificationEndpoint(t, decoder)

	rec := postNotification(handler, `{"signedPayload":"header.payload.sig"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetEntitlement(context.Background(), "never-issued")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAppleNotificationsMethodNotAllowed(t *testing.T) {
	handler, _ := newNotificationEndpoint(t, &stubDecoder{})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/apple/notifications", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
