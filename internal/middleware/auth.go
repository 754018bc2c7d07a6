package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/audit"
	"github.com/zapdesk/bot-gateway-go/internal/crypto"
	"github.com/zapdesk/bot-gateway-go/internal/token"
)

type contextKey string

const CallerContextKey contextKey = "caller"

// Caller identifies how a request authenticated.
type Caller struct {
	// Worker is true when the shared worker API key was presented.
	Worker bool
	// BotID is set when an export token authenticated the request; the
	// caller may only act on that bot.
	BotID string
}

func GetCaller(ctx context.Context) *Caller {
	if caller, ok := ctx.Value(CallerContextKey).(*Caller); ok {
		return caller
	}
	return nil
}

// WorkerAuthMiddleware authenticates machine-to-machine callers by
// either the shared worker API key or a previously issued export token.
// Failures are uniform 401s with no detail about which check failed.
type WorkerAuthMiddleware struct {
	apiKeyHash string
	issuer     *token.Issuer
}

func NewWorkerAuthMiddleware(apiKeyHash string, issuer *token.Issuer) *WorkerAuthMiddleware {
	return &WorkerAuthMiddleware{
		apiKeyHash: apiKeyHash,
		issuer:     issuer,
	}
}

func (m *WorkerAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
			if m.apiKeyHash != "" && crypto.CheckWorkerKey(apiKey, m.apiKeyHash) {
				ctx := context.WithValue(r.Context(), CallerContextKey, &Caller{Worker: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			m.reject(w, r)
			return
		}

		if bearer := extractBearer(r); bearer != "" {
			botID := chi.URLParam(r, "botID")
			if exported := m.issuer.VerifyFor(botID, bearer); exported != nil {
				ctx := context.WithValue(r.Context(), CallerContextKey, &Caller{BotID: exported.BotID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			m.reject(w, r)
			return
		}

		m.reject(w, r)
	})
}

func (m *WorkerAuthMiddleware) reject(w http.ResponseWriter, r *http.Request) {
	log.Warn().Str("path", r.URL.Path).Msg("worker auth failed")
	audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "Unauthorized",
	})
}

func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
