// Package metrics defines the Prometheus instruments for the entitlement
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationRequestsTotal counts purchase validation requests by
	// platform and outcome category.
	ValidationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "validation_requests_total",
		Help:      "Total purchase validation requests by platform and outcome.",
	}, []string{"platform", "outcome"})

	// ValidationDuration tracks purchase validation latency.
	ValidationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "validation_duration_seconds",
		Help:      "Purchase validation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// AppleNotificationsTotal counts App Store server notifications by type
	// and outcome.
	AppleNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "apple_notifications_total",
		Help:      "Total App Store server notifications by type and outcome.",
	}, []string{"type", "outcome"})

	// TrialFraudRejectionsTotal counts validations rejected by the trial
	// ledger.
	TrialFraudRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "trial_fraud_rejections_total",
		Help:      "Total validations rejected because the trial was already used.",
	})

	// SweeperBackfillsTotal counts trial ledger entries backfilled by the sweeper.
	SweeperBackfillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "sweeper_backfills_total",
		Help:      "Total trial ledger entries backfilled by the reconciliation sweep.",
	})

	// SweeperDemotionsTotal counts expired entitlements demoted by the sweeper.
	SweeperDemotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sagechat",
		Subsystem: "billing",
		Name:      "sweeper_demotions_total",
		Help:      "Total expired entitlements demoted by the reconciliation sweep.",
	})
)

// RecordSweeperBackfill increments the sweeper backfill counter.
func RecordSweeperBackfill() { SweeperBackfillsTotal.Inc() }

// RecordSweeperDemotion increments the sweeper demotion counter.
func RecordSweeperDemotion() { SweeperDemotionsTotal.Inc() }
