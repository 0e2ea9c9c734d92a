// Package entitlement derives and reconciles a user's premium-access state
// from validated platform purchases (App Store, Google Play, Stripe).
package entitlement

import (
	"strings"
	"time"
)

// Platform identifies the payment platform a purchase originated from.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformStripe  Platform = "stripe"
)

// ParsePlatform normalizes a client-supplied platform string.
func ParsePlatform(raw string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ios":
		return PlatformIOS, true
	case "android":
		return PlatformAndroid, true
	case "stripe":
		return PlatformStripe, true
	default:
		return "", false
	}
}

// MembershipStatus is the persisted membership lifecycle state.
type MembershipStatus string

const (
	StatusDemo     MembershipStatus = "demo"
	StatusTrial    MembershipStatus = "trial"
	StatusPremium  MembershipStatus = "premium"
	StatusCanceled MembershipStatus = "canceled"
	StatusPastDue  MembershipStatus = "past_due"
)

// Premium reports whether the status grants live premium access.
func (s MembershipStatus) Premium() bool {
	return s == StatusTrial || s == StatusPremium
}

// ProductClass buckets purchasable products by billing shape.
type ProductClass string

const (
	ClassMonthly  ProductClass = "monthly"
	ClassAnnual   ProductClass = "annual"
	ClassLifetime ProductClass = "lifetime"
)

// ProductCatalog maps platform product IDs to product classes.
type ProductCatalog struct {
	classes map[string]ProductClass
}

// NewProductCatalog builds a catalog from per-class product ID lists.
func NewProductCatalog(monthly, annual, lifetime []string) ProductCatalog {
	classes := make(map[string]ProductClass)
	add := func(ids []string, class ProductClass) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id != "" {
				classes[id] = class
			}
		}
	}
	add(monthly, ClassMonthly)
	add(annual, ClassAnnual)
	add(lifetime, ClassLifetime)
	return ProductCatalog{classes: classes}
}

// Class resolves the product class for a product ID.
func (c ProductCatalog) Class(productID string) (ProductClass, bool) {
	class, ok := c.classes[strings.TrimSpace(productID)]
	return class, ok
}

// Record is the per-user entitlement state. It lives inside the user's
// profile row and is mutated only through the deriver and reconcilers.
type Record struct {
	UserID               string            `json:"userId"`
	MembershipStatus     MembershipStatus  `json:"membershipStatus"`
	IsPremium            bool              `json:"isPremium"`
	ProductClass         ProductClass      `json:"productClass,omitempty"`
	ExpiresAt            *time.Time        `json:"expiresAt,omitempty"`
	AutoRenewing         bool              `json:"autoRenewing"`
	IsLifetime           bool              `json:"isLifetime"`
	TrialStart           *time.Time        `json:"trialStart,omitempty"`
	TrialEnd             *time.Time        `json:"trialEnd,omitempty"`
	HasUsedTrial         bool              `json:"hasUsedTrial"`
	LastValidatedAt      *time.Time        `json:"lastValidatedAt,omitempty"`
	PlatformAccountToken string            `json:"-"`
	StripeCustomerID     string            `json:"-"`
	StripeSubscriptionID string            `json:"-"`
	CreatedAt            time.Time         `json:"-"`
	UpdatedAt            time.Time         `json:"-"`
}

// OptionalTime is a merge-patch field that distinguishes "leave untouched"
// (Set=false) from "write null" (Set=true, Value=nil).
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// SetTime marks the field for writing with a concrete timestamp.
func SetTime(t time.Time) OptionalTime {
	return OptionalTime{Set: true, Value: &t}
}

// SetTimePtr marks the field for writing; a nil pointer writes null.
func SetTimePtr(t *time.Time) OptionalTime {
	return OptionalTime{Set: true, Value: t}
}

// Patch is a partial entitlement update. Nil / unset fields are left
// untouched by the store's merge operation.
type Patch struct {
	MembershipStatus     *MembershipStatus
	IsPremium            *bool
	ProductClass         *ProductClass
	ExpiresAt            OptionalTime
	AutoRenewing         *bool
	IsLifetime           *bool
	TrialStart           OptionalTime
	TrialEnd             OptionalTime
	HasUsedTrial         *bool
	LastValidatedAt      OptionalTime
	PlatformAccountToken *string
	StripeCustomerID     *string
	StripeSubscriptionID *string
}

// ValidatedTransaction is the normalized output of a platform verifier.
// It exists only for the duration of one reconciliation call.
type ValidatedTransaction struct {
	Platform     Platform
	ProductID    string
	ProductClass ProductClass
	IsLifetime   bool
	ExpiresAt    *time.Time
	InTrial      bool
	TrialStart   *time.Time
	TrialEnd     *time.Time
	AutoRenewing bool
	RawStatus    string
}

// LedgerEntry is the deletion-resistant trial-usage record. One per identity
// that has ever started a trial; never deleted, even on account deletion.
type LedgerEntry struct {
	UserID         string
	EmailHash      string
	FirstTrialDate time.Time
}

// TrialCheck is the result of consulting the trial ledger for an identity.
type TrialCheck struct {
	Used        bool
	SameAccount bool
}

func ptr[T any](v T) *T { return &v }
