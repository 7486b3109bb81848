package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
)

type DeliveryHandler struct {
	store  store.Store
	logger *slog.Logger
}

func NewDeliveryHandler(s store.Store, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: s, logger: logger}
}

// List returns recent delivery records across subscriptions, newest first.
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.DeliveryFilter{
		SubscriptionID: r.URL.Query().Get("subscription_id"),
		Limit:          queryLimit(r),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.ParseDeliveryStatus(raw)
		if err != nil {
			respondDomainError(w, h.logger, err, "list deliveries")
			return
		}
		filter.Status = status
	}

	records, err := h.store.ListDeliveries(r.Context(), filter)
	if err != nil {
		respondDomainError(w, h.logger, err, "list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "get delivery")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
