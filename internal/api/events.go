package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
)

type EventHandler struct {
	matcher *engine.Matcher
	logger  *slog.Logger
}

func NewEventHandler(m *engine.Matcher, logger *slog.Logger) *EventHandler {
	return &EventHandler{matcher: m, logger: logger}
}

type emitRequest struct {
	EventType domain.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
}

type emitResponse struct {
	EventID          string   `json:"event_id"`
	EventType        string   `json:"event_type"`
	DeliveriesQueued int      `json:"deliveries_queued"`
	DeliveryIDs      []string `json:"delivery_ids"`
}

// Emit accepts an event for asynchronous delivery. It answers 202 as soon as
// the delivery records exist; zero matching subscriptions is still a 202.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondDomainError(w, h.logger, err, "emit event")
		return
	}

	res, err := h.matcher.Emit(r.Context(), req.EventType, req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrDispatch) {
			h.logger.Error("dispatch failed", "error", err, "event_type", req.EventType)
			respondError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		respondDomainError(w, h.logger, err, "emit event")
		return
	}

	respondJSON(w, http.StatusAccepted, emitResponse{
		EventID:          res.EventID,
		EventType:        req.EventType.String(),
		DeliveriesQueued: len(res.DeliveryIDs),
		DeliveryIDs:      res.DeliveryIDs,
	})
}

// EventTypes lists the event types a subscription may register for.
func (h *EventHandler) EventTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, domain.EventTypes())
}
