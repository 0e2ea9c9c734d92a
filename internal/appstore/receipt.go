// Package appstore verifies Apple App Store purchases, both through the
// legacy /verifyReceipt endpoint and through signed App Store Server
// Notifications.
package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sagechat/entitlements/internal/entitlement"
)

const (
	productionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	sandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// Apple environment-mismatch statuses. 21007 is a sandbox receipt sent
	// to production, 21008 the reverse.
	statusSandboxReceipt    = 21007
	statusProductionReceipt = 21008
)

// ReceiptVerifier verifies base64 receipts against Apple's /verifyReceipt
// endpoint. Production is tried first; on an environment-mismatch status the
// other environment is retried exactly once.
type ReceiptVerifier struct {
	sharedSecret  string
	productionURL string
	sandboxURL    string
	httpClient    *http.Client
	now           func() time.Time
}

// NewReceiptVerifier creates a ReceiptVerifier using the app-specific shared
// secret from App Store Connect.
func NewReceiptVerifier(sharedSecret string) *ReceiptVerifier {
	return &ReceiptVerifier{
		sharedSecret:  sharedSecret,
		productionURL: productionVerifyURL,
		sandboxURL:    sandboxVerifyURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyResponse struct {
	Status             int                  `json:"status"`
	Environment        string               `json:"environment"`
	LatestReceiptInfo  []receiptTransaction `json:"latest_receipt_info"`
	PendingRenewalInfo []renewalInfo        `json:"pending_renewal_info"`
	Receipt            struct {
		BundleID string               `json:"bundle_id"`
		InApp    []receiptTransaction `json:"in_app"`
	} `json:"receipt"`
}

type receiptTransaction struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
	IsInIntroOfferPeriod  string `json:"is_in_intro_offer_period"`
}

type renewalInfo struct {
	ProductID       string `json:"product_id"`
	AutoRenewStatus string `json:"auto_renew_status"`
}

// Verify checks the receipt with Apple and extracts the transaction for
// productID as a normalized ValidatedTransaction.
func (v *ReceiptVerifier) Verify(ctx context.Context, receiptData, productID string, class entitlement.ProductClass) (*entitlement.ValidatedTransaction, error) {
	resp, err := v.verifyWithRetry(ctx, receiptData)
	if err != nil {
		return nil, err
	}

	if class == entitlement.ClassLifetime {
		return v.lifetimeTransaction(resp, productID)
	}
	return v.subscriptionTransaction(resp, productID)
}

func (v *ReceiptVerifier) verifyWithRetry(ctx context.Context, receiptData string) (*verifyResponse, error) {
	resp, err := v.post(ctx, v.productionURL, receiptData)
	if err != nil {
		return nil, err
	}
	if resp.Status == statusSandboxReceipt || resp.Status == statusProductionReceipt {
		retryURL := v.sandboxURL
		if resp.Status == statusProductionReceipt {
			retryURL = v.productionURL
		}
		log.Debug().Int("status", resp.Status).Msg("receipt environment mismatch, retrying other environment")
		resp, err = v.post(ctx, retryURL, receiptData)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != 0 {
		return nil, entitlement.Errorf(entitlement.CategoryFailedPrecondition, nil,
			"apple rejected receipt: %s", statusMessage(resp.Status))
	}
	return resp, nil
}

func (v *ReceiptVerifier) post(ctx context.Context, url, receiptData string) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData:            receiptData,
		Password:               v.sharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call verifyReceipt: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifyReceipt returned HTTP %d", httpResp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read verifyReceipt response: %w", err)
	}
	var resp verifyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode verifyReceipt response: %w", err)
	}
	return &resp, nil
}

// lifetimeTransaction looks the non-consumable up in the purchased-items
// array. Presence is the success signal; there is no expiry to check.
func (v *ReceiptVerifier) lifetimeTransaction(resp *verifyResponse, productID string) (*entitlement.ValidatedTransaction, error) {
	items := resp.Receipt.InApp
	if len(items) == 0 {
		items = resp.LatestReceiptInfo
	}
	for _, item := range items {
		if item.ProductID != productID {
			continue
		}
		return &entitlement.ValidatedTransaction{
			Platform:   entitlement.PlatformIOS,
			ProductID:  productID,
			IsLifetime: true,
		}, nil
	}
	return nil, entitlement.Errorf(entitlement.CategoryFailedPrecondition, nil,
		"receipt contains no purchase of %s", productID)
}

// subscriptionTransaction picks the matching transaction with the latest
// expiry; a renewed subscription carries its full history in the receipt.
func (v *ReceiptVerifier) subscriptionTransaction(resp *verifyResponse, productID string) (*entitlement.ValidatedTransaction, error) {
	var latest *receiptTransaction
	var latestExpiry int64
	for i := range resp.LatestReceiptInfo {
		item := &resp.LatestReceiptInfo[i]
		if item.ProductID != productID {
			continue
		}
		expiry, err := strconv.ParseInt(item.ExpiresDateMs, 10, 64)
		if err != nil {
			continue
		}
		if latest == nil || expiry > latestExpiry {
			latest, latestExpiry = item, expiry
		}
	}
	if latest == nil {
		return nil, entitlement.Errorf(entitlement.CategoryFailedPrecondition, nil,
			"receipt contains no subscription transaction for %s", productID)
	}

	expiresAt := time.UnixMilli(latestExpiry).UTC()
	tx := &entitlement.ValidatedTransaction{
		Platform:     entitlement.PlatformIOS,
		ProductID:    productID,
		ExpiresAt:    &expiresAt,
		InTrial:      latest.IsTrialPeriod == "true" || latest.IsInIntroOfferPeriod == "true",
		AutoRenewing: autoRenewing(resp.PendingRenewalInfo, productID),
	}
	if tx.InTrial {
		if ms, err := strconv.ParseInt(latest.PurchaseDateMs, 10, 64); err == nil {
			start := time.UnixMilli(ms).UTC()
			tx.TrialStart = &start
		}
		tx.TrialEnd = &expiresAt
	}
	return tx, nil
}

// autoRenewing reads the renewal flag for the product from
// pending_renewal_info. A missing entry defaults to renewing; Apple omits it
// for receipts that predate the field.
func autoRenewing(info []renewalInfo, productID string) bool {
	for _, entry := range info {
		if entry.ProductID == productID {
			return entry.AutoRenewStatus == "1"
		}
	}
	return true
}

// statusMessage maps /verifyReceipt status codes to readable failures.
func statusMessage(status int) string {
	switch status {
	case 21000:
		return "request was not a valid JSON object"
	case 21002:
		return "receipt data was malformed"
	case 21003:
		return "receipt could not be authenticated"
	case 21004:
		return "shared secret does not match"
	case 21005:
		return "receipt server unavailable"
	case 21006:
		return "receipt valid but subscription expired"
	case 21009:
		return "internal data access error"
	case 21010:
		return "account not found or deleted"
	default:
		return fmt.Sprintf("status %d", status)
	}
}
