package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepInterval = 1 * time.Hour

// Metric hooks, injected at startup so this package stays free of the
// metrics registry.
var (
	sweepBackfillHook func()
	sweepDemotionHook func()
)

// SetSweepMetricHooks wires counters for sweep actions.
func SetSweepMetricHooks(backfill, demotion func()) {
	sweepBackfillHook = backfill
	sweepDemotionHook = demotion
}

// Sweeper runs the periodic reconciliation pass. It backfills trial ledger
// entries for users whose trial grant committed but whose ledger write did
// not, and demotes entitlements whose expiry passed without a platform
// event arriving.
type Sweeper struct {
	store  SweepStore
	ledger *Ledger
	now    func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(store SweepStore, ledger *Ledger) *Sweeper {
	return &Sweeper{
		store:  store,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Msg("Entitlement sweeper started")

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Entitlement sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.backfillLedger(ctx)
	s.demoteExpired(ctx)
}

func (s *Sweeper) backfillLedger(ctx context.Context) {
	records, err := s.store.ListTrialsWithoutLedger(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list trials without ledger entries")
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if rec == nil {
			continue
		}
		if err := s.ledger.RecordTrialUsage(ctx, rec.UserID, ""); err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID).Msg("Sweeper: failed to backfill trial ledger entry")
			continue
		}
		if sweepBackfillHook != nil {
			sweepBackfillHook()
		}
		log.Warn().
			Str("user_id", rec.UserID).
			Msg("Backfilled missing trial ledger entry")
	}
}

func (s *Sweeper) demoteExpired(ctx context.Context) {
	now := s.now()
	records, err := s.store.ListExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list expired entitlements")
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if rec == nil || rec.IsLifetime {
			continue
		}

		patch := Patch{
			MembershipStatus: ptr(StatusCanceled),
			IsPremium:        ptr(false),
			AutoRenewing:     ptr(false),
			LastValidatedAt:  SetTime(now),
		}
		if _, err := s.store.MergeEntitlement(ctx, rec.UserID, patch); err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID).Msg("Sweeper: failed to demote expired entitlement")
			continue
		}

		if sweepDemotionHook != nil {
			sweepDemotionHook()
		}
		log.Info().
			Str("user_id", rec.UserID).
			Str("previous_status", string(rec.MembershipStatus)).
			Time("expired_at", derefTime(rec.ExpiresAt)).
			Msg("Expired entitlement demoted")
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
