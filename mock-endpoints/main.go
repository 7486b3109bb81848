package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
)

// receiver is a local subscriber endpoint for manual testing. When
// WEBHOOK_SECRET is set, requests with a bad signature are rejected with 401.
type receiver struct {
	secret   string
	requests atomic.Int64
	rejected atomic.Int64
	logger   *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	rc := &receiver{secret: os.Getenv("WEBHOOK_SECRET"), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/success", rc.handle(http.StatusOK, 0))
	mux.HandleFunc("POST /webhook/slow", rc.handle(http.StatusOK, 3*time.Second))
	mux.HandleFunc("POST /webhook/fail", rc.handle(http.StatusInternalServerError, 0))
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"total_requests":    rc.requests.Load(),
			"rejected_requests": rc.rejected.Load(),
		})
	})

	logger.Info("mock endpoint server starting",
		"port", port,
		"verify_signatures", rc.secret != "",
		"routes", []string{"POST /webhook/success", "POST /webhook/slow", "POST /webhook/fail", "GET /stats"},
	)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (rc *receiver) handle(status int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := rc.requests.Add(1)
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		sig := r.Header.Get(domain.HeaderSignature)
		if rc.secret != "" && !engine.Verify(rc.secret, body, sig) {
			rc.rejected.Add(1)
			rc.logger.Warn("signature mismatch", "request", count, "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		if delay > 0 {
			time.Sleep(delay)
		}

		rc.logger.Info("webhook received",
			"request", count,
			"path", r.URL.Path,
			"status", status,
			"event", r.Header.Get(domain.HeaderEvent),
			"event_id", r.Header.Get(domain.HeaderEventID),
			"delivery_id", r.Header.Get(domain.HeaderDelivery),
			"attempt", r.Header.Get(domain.HeaderAttempt),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(status)})
	}
}
