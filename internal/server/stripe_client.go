package server

import (
	"context"
	"fmt"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/sagechat/entitlements/internal/entitlement"
)

// NewStripeSubscriptionFetcher returns the live subscription lookup used by
// the checkout reconciler. Returns nil when no API key is configured; the
// reconciler then grants from the session alone.
func NewStripeSubscriptionFetcher(apiKey string) func(ctx context.Context, subscriptionID string) (*entitlement.StripeSubscription, error) {
	if apiKey == "" {
		return nil
	}
	stripelib.Key = apiKey

	return func(ctx context.Context, subscriptionID string) (*entitlement.StripeSubscription, error) {
		params := &stripelib.SubscriptionParams{}
		params.Context = ctx
		sub, err := subscription.Get(subscriptionID, params)
		if err != nil {
			return nil, fmt.Errorf("fetch stripe subscription: %w", err)
		}
		return fromStripeSubscription(sub), nil
	}
}

func fromStripeSubscription(sub *stripelib.Subscription) *entitlement.StripeSubscription {
	out := &entitlement.StripeSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		TrialStart:        sub.TrialStart,
		TrialEnd:          sub.TrialEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.Customer = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			entry := struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
				Price            struct {
					ID string `json:"id"`
				} `json:"price"`
			}{CurrentPeriodEnd: item.CurrentPeriodEnd}
			if item.Price != nil {
				entry.Price.ID = item.Price.ID
			}
			out.Items.Data = append(out.Items.Data, entry)
		}
	}
	return out
}
