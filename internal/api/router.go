package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	ws "github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Services are the components the HTTP surface is built on.
type Services struct {
	Registry  *engine.Registry
	Matcher   *engine.Matcher
	Deliverer *worker.Deliverer
	Store     store.Store
	Queue     *engine.RedisQueue
	Breaker   *engine.CircuitBreaker
	Hub       *ws.Hub
	Metrics   *metrics.Metrics

	// Health lists the dependencies probed by /api/v1/health.
	Health map[string]Pinger
	Logger *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(svc.Registry, svc.Store, svc.Deliverer, svc.Breaker, svc.Logger)
	eventHandler := NewEventHandler(svc.Matcher, svc.Logger)
	deliveryHandler := NewDeliveryHandler(svc.Store, svc.Logger)
	dashHandler := NewDashboardHandler(svc.Registry, svc.Store, svc.Queue, svc.Hub, svc.Logger)

	r.Get("/ws", svc.Hub.HandleWebSocket)
	if svc.Metrics != nil {
		r.Handle("/metrics", svc.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(svc.Health))
		r.Get("/stats", dashHandler.Stats)
		r.Get("/event-types", eventHandler.EventTypes)
		r.Post("/events", eventHandler.Emit)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Post("/{id}/deactivate", subHandler.Deactivate)
			r.Post("/{id}/reactivate", subHandler.Reactivate)
			r.Post("/{id}/rotate-secret", subHandler.RotateSecret)
			r.Post("/{id}/test", subHandler.Test)
			r.Get("/{id}/deliveries", subHandler.Deliveries)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
