package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondDomainError maps validation errors to 400, missing entities to 404
// and everything else to 500.
func respondDomainError(w http.ResponseWriter, logger *slog.Logger, err error, action string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	default:
		logger.Error("request failed", "action", action, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid request body"}
	}
	return nil
}

func queryLimit(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return 0
}
