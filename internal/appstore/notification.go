package appstore

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sagechat/entitlements/internal/entitlement"
)

// NotificationVerifier verifies App Store Server Notifications V2. Each
// notification is a JWS whose x5c header carries the signing certificate
// chain; the chain must terminate at an Apple root.
type NotificationVerifier struct {
	roots    *x509.CertPool
	bundleID string
	parser   *jwt.Parser
	now      func() time.Time
}

// NewNotificationVerifier creates a verifier trusting the Apple root
// certificates in rootPEM and accepting notifications for bundleID only.
func NewNotificationVerifier(rootPEM []byte, bundleID string) (*NotificationVerifier, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("no usable certificates in apple root PEM")
	}
	return &NotificationVerifier{
		roots:    roots,
		bundleID: bundleID,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"ES256"})),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

type notificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
	jwt.RegisteredClaims
}

type transactionPayload struct {
	AppAccountToken       string `json:"appAccountToken"`
	ProductID             string `json:"productId"`
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	OfferDiscountType     string `json:"offerDiscountType"`
	Type                  string `json:"type"`
	jwt.RegisteredClaims
}

type renewalPayload struct {
	AutoRenewProductID string `json:"autoRenewProductId"`
	AutoRenewStatus    int    `json:"autoRenewStatus"`
	jwt.RegisteredClaims
}

// Decode verifies the signedPayload and returns the normalized notification.
func (v *NotificationVerifier) Decode(signedPayload string) (*entitlement.AppleNotification, error) {
	var payload notificationPayload
	if _, err := v.parser.ParseWithClaims(signedPayload, &payload, v.keyFromChain); err != nil {
		return nil, fmt.Errorf("verify notification payload: %w", err)
	}
	if v.bundleID != "" && payload.Data.BundleID != v.bundleID {
		return nil, fmt.Errorf("notification for bundle %q, expected %q", payload.Data.BundleID, v.bundleID)
	}

	n := &entitlement.AppleNotification{
		Type:    payload.NotificationType,
		Subtype: payload.Subtype,
		UUID:    payload.NotificationUUID,
	}

	if payload.Data.SignedTransactionInfo != "" {
		var tx transactionPayload
		if _, err := v.parser.ParseWithClaims(payload.Data.SignedTransactionInfo, &tx, v.keyFromChain); err != nil {
			return nil, fmt.Errorf("verify transaction payload: %w", err)
		}
		n.AppAccountToken = tx.AppAccountToken
		n.ProductID = tx.ProductID
		n.TransactionID = tx.TransactionID
		n.InTrial = tx.OfferDiscountType == "FREE_TRIAL"
		if tx.ExpiresDate > 0 {
			expiresAt := time.UnixMilli(tx.ExpiresDate).UTC()
			n.ExpiresAt = &expiresAt
		}
	}

	if payload.Data.SignedRenewalInfo != "" {
		var renewal renewalPayload
		if _, err := v.parser.ParseWithClaims(payload.Data.SignedRenewalInfo, &renewal, v.keyFromChain); err != nil {
			return nil, fmt.Errorf("verify renewal payload: %w", err)
		}
		n.AutoRenewing = renewal.AutoRenewStatus == 1
	}

	return n, nil
}

// keyFromChain extracts the x5c certificate chain from the JWS header,
// verifies it against the Apple roots, and returns the leaf's public key.
func (v *NotificationVerifier) keyFromChain(token *jwt.Token) (any, error) {
	raw, ok := token.Header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("jws header carries no x5c chain")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for i, entry := range raw {
		encoded, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("x5c entry %d is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode x5c entry %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c entry %d: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("verify x5c chain: %w", err)
	}

	return leaf.PublicKey, nil
}
