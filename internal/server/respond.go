package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sagechat/entitlements/internal/entitlement"
)

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("encode response")
	}
}

// writeError maps a categorized error onto an HTTP status and JSON body.
// Internal details are never echoed to the caller.
func writeError(w http.ResponseWriter, err error) {
	category := entitlement.CategoryOf(err)
	message := err.Error()
	if category == entitlement.CategoryInternal {
		message = "internal error"
	}
	writeJSON(w, categoryStatus(category), errorResponse{
		Error:    message,
		Category: string(category),
	})
}

func categoryStatus(category entitlement.Category) int {
	switch category {
	case entitlement.CategoryUnauthenticated:
		return http.StatusUnauthorized
	case entitlement.CategoryInvalidArgument:
		return http.StatusBadRequest
	case entitlement.CategoryFailedPrecondition:
		return http.StatusUnprocessableEntity
	case entitlement.CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
