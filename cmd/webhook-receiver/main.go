// Command webhook-receiver is a small verification endpoint for alert
// webhooks: it checks the HMAC signature and keeps the last received
// payloads in memory for inspection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bc9123/telemetry-project/pkg/deliver"
	"github.com/bc9123/telemetry-project/pkg/observability"
)

const keepLast = 100

type received struct {
	ReceivedAt     time.Time       `json:"received_at"`
	Timestamp      string          `json:"timestamp"`
	SignatureValid *bool           `json:"signature_valid"`
	Body           json.RawMessage `json:"body"`
}

type receiver struct {
	secret string
	logger *slog.Logger

	mu      sync.Mutex
	entries []received
}

func (rc *receiver) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	entry := received{
		ReceivedAt: time.Now().UTC(),
		Timestamp:  r.Header.Get(deliver.HeaderTimestamp),
		Body:       json.RawMessage(body),
	}
	if rc.secret != "" {
		valid := deliver.VerifySignature(rc.secret, entry.Timestamp, body,
			r.Header.Get(deliver.HeaderSignature))
		entry.SignatureValid = &valid
		if !valid {
			rc.logger.Warn("invalid signature")
		}
	}

	rc.mu.Lock()
	rc.entries = append(rc.entries, entry)
	if len(rc.entries) > keepLast {
		rc.entries = rc.entries[len(rc.entries)-keepLast:]
	}
	rc.mu.Unlock()

	rc.logger.Info("webhook received", "timestamp", entry.Timestamp)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (rc *receiver) handleList(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	out := make([]received, len(rc.entries))
	copy(out, rc.entries)
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func main() {
	observability.ConfigureLogging(os.Getenv("LOG_LEVEL"), false)
	logger := slog.Default().With("component", "webhook-receiver")

	port := os.Getenv("PORT")
	if port == "" {
		port = "9000"
	}

	rc := &receiver{
		secret: os.Getenv("WEBHOOK_SECRET"),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/alerts", rc.handleWebhook)
	mux.HandleFunc("GET /webhooks/alerts", rc.handleList)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("receiver listening", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}
}
