package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	ws "github.com/Priya8975/webhook-dispatcher/internal/websocket"
)

type DashboardHandler struct {
	registry *engine.Registry
	store    store.Store
	queue    *engine.RedisQueue
	hub      *ws.Hub
	logger   *slog.Logger
}

func NewDashboardHandler(registry *engine.Registry, s store.Store, queue *engine.RedisQueue, hub *ws.Hub, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{registry: registry, store: s, queue: queue, hub: hub, logger: logger}
}

type statsResponse struct {
	Subscriptions    domain.Statistics               `json:"subscriptions"`
	Deliveries       map[domain.DeliveryStatus]int64 `json:"deliveries"`
	QueueDepth       int64                           `json:"queue_depth"`
	WebSocketClients int                             `json:"websocket_clients"`
}

// Stats returns aggregate subscription statistics and live delivery counts.
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Statistics(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "get statistics")
		return
	}

	counts, err := h.store.DeliveryCounts(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "get statistics")
		return
	}

	// Queue depth is informational; Redis trouble shows up in /health.
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		depth = 0
	}

	respondJSON(w, http.StatusOK, statsResponse{
		Subscriptions:    *stats,
		Deliveries:       counts,
		QueueDepth:       depth,
		WebSocketClients: h.hub.ClientCount(),
	})
}
