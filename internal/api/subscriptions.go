package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
)

// testWriteDeadline covers the longest connectivity test the server may wait on.
const testWriteDeadline = time.Duration(domain.MaxTimeoutMs)*time.Millisecond + 10*time.Second

type SubscriptionHandler struct {
	registry  *engine.Registry
	store     store.Store
	deliverer *worker.Deliverer
	cb        *engine.CircuitBreaker
	logger    *slog.Logger
}

func NewSubscriptionHandler(registry *engine.Registry, s store.Store, deliverer *worker.Deliverer, cb *engine.CircuitBreaker, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{registry: registry, store: s, deliverer: deliverer, cb: cb, logger: logger}
}

type createSubscriptionRequest struct {
	URL        string             `json:"url"`
	EventTypes []domain.EventType `json:"event_types"`
	domain.RegisterOptions
}

// subscriptionView adds the derived fields the dashboard shows.
type subscriptionView struct {
	*domain.Subscription
	Status         domain.SubscriptionStatus   `json:"status"`
	SuccessRate    float64                     `json:"success_rate"`
	CircuitBreaker *engine.CircuitBreakerState `json:"circuit_breaker,omitempty"`
}

type secretResponse struct {
	Subscription subscriptionView `json:"subscription"`
	Secret       string           `json:"secret"`
}

func newView(sub *domain.Subscription) subscriptionView {
	return subscriptionView{
		Subscription: sub,
		Status:       sub.Status(time.Now()),
		SuccessRate:  sub.SuccessRate(),
	}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondDomainError(w, h.logger, err, "create subscription")
		return
	}

	sub, err := h.registry.Register(r.Context(), req.URL, req.EventTypes, req.RegisterOptions)
	if err != nil {
		respondDomainError(w, h.logger, err, "create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, secretResponse{Subscription: newView(sub), Secret: sub.Secret})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "list subscriptions")
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for i := range subs {
		views = append(views, newView(&subs[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "get subscription")
		return
	}

	view := newView(sub)
	state := h.cb.GetState(r.Context(), sub.ID)
	view.CircuitBreaker = &state
	respondJSON(w, http.StatusOK, view)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch domain.SubscriptionPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondDomainError(w, h.logger, err, "update subscription")
		return
	}

	sub, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondDomainError(w, h.logger, err, "update subscription")
		return
	}
	respondJSON(w, http.StatusOK, newView(sub))
}

func (h *SubscriptionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "deactivate subscription")
		return
	}
	respondJSON(w, http.StatusOK, newView(sub))
}

// Reactivate also closes the subscription's circuit so a fixed endpoint is
// not held back by failures recorded before it was deactivated.
func (h *SubscriptionHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Reactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "reactivate subscription")
		return
	}
	if err := h.cb.Reset(r.Context(), sub.ID); err != nil {
		h.logger.Warn("failed to reset circuit breaker", "error", err, "subscription_id", sub.ID)
	}
	respondJSON(w, http.StatusOK, newView(sub))
}

func (h *SubscriptionHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.RotateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "rotate secret")
		return
	}
	respondJSON(w, http.StatusOK, secretResponse{Subscription: newView(sub), Secret: sub.Secret})
}

// Test performs a synchronous connectivity test. An unreachable endpoint is
// a normal result, reported with success=false. The write deadline is
// extended past the server default so slow endpoints still get a response.
func (h *SubscriptionHandler) Test(w http.ResponseWriter, r *http.Request) {
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(testWriteDeadline)); err != nil {
		h.logger.Debug("cannot extend write deadline for test", "error", err)
	}

	res, err := h.deliverer.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "test subscription")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *SubscriptionHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		respondDomainError(w, h.logger, err, "list deliveries")
		return
	}

	filter := store.DeliveryFilter{SubscriptionID: id, Limit: queryLimit(r)}
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
