// Package playstore verifies Google Play purchases through the Android
// Publisher v3 REST API.
package playstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"

	"github.com/sagechat/entitlements/internal/entitlement"
)

const (
	publisherScope   = "https://www.googleapis.com/auth/androidpublisher"
	publisherBaseURL = "https://androidpublisher.googleapis.com"

	// paymentState 2 marks a subscription inside its free-trial period.
	paymentStateFreeTrial = 2
)

// Verifier verifies purchase tokens for one application package. Requests
// are authenticated with a service-account token source.
type Verifier struct {
	packageName string
	baseURL     string
	httpClient  *http.Client
}

// NewVerifier creates a Verifier from service-account credentials JSON.
func NewVerifier(ctx context.Context, credentialsJSON []byte, packageName string) (*Verifier, error) {
	cfg, err := google.JWTConfigFromJSON(credentialsJSON, publisherScope)
	if err != nil {
		return nil, fmt.Errorf("parse play service-account credentials: %w", err)
	}
	client := cfg.Client(ctx)
	client.Timeout = 30 * time.Second
	return &Verifier{
		packageName: packageName,
		baseURL:     publisherBaseURL,
		httpClient:  client,
	}, nil
}

type subscriptionPurchase struct {
	StartTimeMillis  string `json:"startTimeMillis"`
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	AutoRenewing     bool   `json:"autoRenewing"`
	PaymentState     *int   `json:"paymentState"`
}

type subscriptionPurchaseV2 struct {
	LineItems []struct {
		ProductID    string `json:"productId"`
		OfferDetails struct {
			OfferTags []string `json:"offerTags"`
			OfferID   string   `json:"offerId"`
		} `json:"offerDetails"`
	} `json:"lineItems"`
}

type productPurchase struct {
	PurchaseState    int    `json:"purchaseState"`
	PurchaseTimeMill string `json:"purchaseTimeMillis"`
}

// Verify checks the purchase token with Google Play and returns the
// normalized transaction.
func (v *Verifier) Verify(ctx context.Context, purchaseToken, productID string, class entitlement.ProductClass) (*entitlement.ValidatedTransaction, error) {
	if class == entitlement.ClassLifetime {
		return v.verifyProduct(ctx, purchaseToken, productID)
	}
	return v.verifySubscription(ctx, purchaseToken, productID)
}

func (v *Verifier) verifySubscription(ctx context.Context, purchaseToken, productID string) (*entitlement.ValidatedTransaction, error) {
	var sub subscriptionPurchase
	path := fmt.Sprintf("purchases/subscriptions/%s/tokens/%s",
		url.PathEscape(productID), url.PathEscape(purchaseToken))
	if err := v.get(ctx, path, &sub); err != nil {
		return nil, err
	}

	expiryMs, err := strconv.ParseInt(sub.ExpiryTimeMillis, 10, 64)
	if err != nil {
		return nil, entitlement.Errorf(entitlement.CategoryFailedPrecondition, err,
			"subscription purchase carries no expiry")
	}
	expiresAt := time.UnixMilli(expiryMs).UTC()

	tx := &entitlement.ValidatedTransaction{
		Platform:     entitlement.PlatformAndroid,
		ProductID:    productID,
		ExpiresAt:    &expiresAt,
		AutoRenewing: sub.AutoRenewing,
	}

	// paymentState is the authoritative trial signal. The v2 offer tags are
	// consulted only when the field is absent: tags describe the offer, not
	// the purchaser's current state.
	if sub.PaymentState != nil {
		tx.InTrial = *sub.PaymentState == paymentStateFreeTrial
	} else {
		tx.InTrial = v.trialFromOfferTags(ctx, purchaseToken, productID)
	}

	if tx.InTrial {
		if startMs, err := strconv.ParseInt(sub.StartTimeMillis, 10, 64); err == nil {
			start := time.UnixMilli(startMs).UTC()
			tx.TrialStart = &start
		}
		tx.TrialEnd = &expiresAt
	}
	return tx, nil
}

func (v *Verifier) trialFromOfferTags(ctx context.Context, purchaseToken, productID string) bool {
	var sub subscriptionPurchaseV2
	path := fmt.Sprintf("purchases/subscriptionsv2/tokens/%s", url.PathEscape(purchaseToken))
	if err := v.get(ctx, path, &sub); err != nil {
		log.Warn().Err(err).Msg("subscriptionsv2 lookup failed, assuming no trial")
		return false
	}
	for _, item := range sub.LineItems {
		if item.ProductID != productID {
			continue
		}
		for _, tag := range item.OfferDetails.OfferTags {
			if strings.Contains(strings.ToLower(tag), "trial") {
				return true
			}
		}
	}
	return false
}

func (v *Verifier) verifyProduct(ctx context.Context, purchaseToken, productID string) (*entitlement.ValidatedTransaction, error) {
	var product productPurchase
	path := fmt.Sprintf("purchases/products/%s/tokens/%s",
		url.PathEscape(productID), url.PathEscape(purchaseToken))
	if err := v.get(ctx, path, &product); err != nil {
		return nil, err
	}
	if product.PurchaseState != 0 {
		return nil, entitlement.Errorf(entitlement.CategoryFailedPrecondition, nil,
			"product purchase in state %d, not purchased", product.PurchaseState)
	}
	return &entitlement.ValidatedTransaction{
		Platform:   entitlement.PlatformAndroid,
		ProductID:  productID,
		IsLifetime: true,
	}, nil
}

func (v *Verifier) get(ctx context.Context, path string, out any) error {
	endpoint := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/%s",
		v.baseURL, url.PathEscape(v.packageName), path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build publisher request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call publisher api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read publisher response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return entitlement.Errorf(entitlement.CategoryFailedPrecondition, nil,
			"purchase token rejected by google play (HTTP %d)", resp.StatusCode)
	default:
		return fmt.Errorf("publisher api returned HTTP %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode publisher response: %w", err)
	}
	return nil
}
