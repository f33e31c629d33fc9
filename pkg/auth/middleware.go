package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bc9123/telemetry-project/pkg/model"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

// HeaderAPIKey carries the presented key on every authenticated request.
const HeaderAPIKey = "X-API-Key"

// KeyStore is the slice of the store the middleware needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error)
	TouchAPIKey(ctx context.Context, id int64, at time.Time) error
}

// Middleware authenticates requests via X-API-Key and injects the resolved
// project id into the context. Missing key → 401; malformed, unknown,
// revoked, or failed verification → 403.
func Middleware(keys KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(HeaderAPIKey)
			if presented == "" {
				logger.Warn("missing api key", "path", r.URL.Path)
				respond.WriteUnauthorized(w, "Missing X-API-Key")
				return
			}

			prefix, secret, ok := strings.Cut(presented, ".")
			if !ok || prefix == "" || secret == "" {
				logger.Warn("malformed api key")
				respond.WriteForbidden(w, "Invalid API key format")
				return
			}

			key, err := keys.GetAPIKeyByPrefix(r.Context(), prefix)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					logger.Warn("unknown api key prefix", "prefix", prefix)
					respond.WriteForbidden(w, "Invalid API key")
					return
				}
				logger.Error("api key lookup failed", "error", err)
				respond.WriteInternal(w, err)
				return
			}

			if !VerifySecret(secret, key.HashedSecret) {
				logger.Warn("api key verification failed", "prefix", prefix, "project_id", key.ProjectID)
				respond.WriteForbidden(w, "Invalid API key")
				return
			}

			if err := keys.TouchAPIKey(r.Context(), key.ID, time.Now().UTC()); err != nil {
				logger.Debug("touch api key failed", "error", err)
			}

			ctx := WithProjectID(r.Context(), key.ProjectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
