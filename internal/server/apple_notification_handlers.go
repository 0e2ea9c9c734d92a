package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sagechat/entitlements/internal/entitlement"
	"github.com/sagechat/entitlements/internal/server/metrics"
)

const notificationBodyLimit = 1024 * 1024 // 1 MiB

// NotificationDecoder verifies an App Store signedPayload and returns the
// decoded notification.
type NotificationDecoder interface {
	Decode(signedPayload string) (*entitlement.AppleNotification, error)
}

// HandleAppleNotifications returns the App Store server-notification
// endpoint. It always acks with 200: Apple retries on any other status, and
// a notification we cannot verify or link will not improve on redelivery.
func HandleAppleNotifications(decoder NotificationDecoder, feed *entitlement.AppleFeed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ack := func(notificationType, outcome string) {
			metrics.AppleNotificationsTotal.WithLabelValues(notificationType, outcome).Inc()
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		}

		r.Body = http.MaxBytesReader(w, r.Body, notificationBodyLimit)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Warn().Err(err).Msg("apple notification body unreadable")
			ack("unknown", "bad_body")
			return
		}

		var payload struct {
			SignedPayload string `json:"signedPayload"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.SignedPayload == "" {
			log.Warn().Msg("apple notification carries no signedPayload")
			ack("unknown", "bad_body")
			return
		}

		notification, err := decoder.Decode(payload.SignedPayload)
		if err != nil {
			log.Warn().Err(err).Msg("apple notification signature rejected")
			ack("unknown", "verify_failed")
			return
		}

		if err := feed.Apply(r.Context(), *notification); err != nil {
			log.Error().Err(err).
				Str("notification_uuid", notification.UUID).
				Str("type", notification.Type).
				Msg("apple notification processing failed")
			ack(notification.Type, "error")
			return
		}
		ack(notification.Type, "ok")
	}
}
