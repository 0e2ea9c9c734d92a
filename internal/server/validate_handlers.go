package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sagechat/entitlements/internal/entitlement"
	"github.com/sagechat/entitlements/internal/server/metrics"
)

const validateBodyLimit = 512 * 1024

// HandleValidatePurchase returns the authenticated purchase validation
// handler.
func HandleValidatePurchase(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, entitlement.Errorf(entitlement.CategoryUnauthenticated, nil, "not authenticated"))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, validateBodyLimit)
		var req entitlement.ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, entitlement.Errorf(entitlement.CategoryInvalidArgument, err, "invalid request body"))
			return
		}

		start := time.Now()
		resp, err := svc.ValidatePurchase(r.Context(), identity.UserID, identity.Email, req)
		metrics.ValidationDuration.WithLabelValues(req.Platform).Observe(time.Since(start).Seconds())
		if err != nil {
			category := entitlement.CategoryOf(err)
			metrics.ValidationRequestsTotal.WithLabelValues(req.Platform, string(category)).Inc()
			if errors.Is(err, entitlement.ErrTrialAlreadyUsed) {
				metrics.TrialFraudRejectionsTotal.Inc()
			}
			if category == entitlement.CategoryInternal {
				log.Error().Err(err).
					Str("user_id", identity.UserID).
					Str("platform", req.Platform).
					Msg("purchase validation failed")
			}
			writeError(w, err)
			return
		}

		metrics.ValidationRequestsTotal.WithLabelValues(req.Platform, "ok").Inc()
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleGetEntitlement returns the admin handler that inspects a user's
// persisted entitlement.
func HandleGetEntitlement(svc *entitlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := r.PathValue("userID")
		if userID == "" {
			writeError(w, entitlement.Errorf(entitlement.CategoryInvalidArgument, nil, "userID is required"))
			return
		}
		rec, err := svc.GetEntitlement(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// HandleHealthz is the liveness probe.
func HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pinger is the readiness surface of the store.
type pinger interface {
	Ping() error
}

// HandleReadyz returns the readiness probe; it fails when the database is
// unreachable.
func HandleReadyz(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := p.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  "database unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// HandleStatus reports build and uptime information.
func HandleStatus(version string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": version,
			"uptime":  strconv.FormatInt(int64(time.Since(startedAt).Seconds()), 10) + "s",
		})
	}
}
