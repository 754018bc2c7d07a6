package handler

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/audit"
	"github.com/zapdesk/bot-gateway-go/internal/connection"
	"github.com/zapdesk/bot-gateway-go/internal/middleware"
	"github.com/zapdesk/bot-gateway-go/internal/service"
)

type BotHandler struct {
	statusService *service.StatusService
	exportService *service.ExportService
	manager       *connection.Manager
}

func NewBotHandler(
	statusService *service.StatusService,
	exportService *service.ExportService,
	manager *connection.Manager,
) *BotHandler {
	return &BotHandler{
		statusService: statusService,
		exportService: exportService,
		manager:       manager,
	}
}

func (h *BotHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)
	r.Get("/qr", h.GetQR)
	r.Post("/reset", h.Reset)
	r.Post("/verify", h.Verify)
	r.Post("/session/export", h.ExportSession)
	r.Get("/session", h.GetSession)

	return r
}

// GET /v1/bots/{botID}/status
func (h *BotHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	overview, err := h.statusService.Overview(r.Context(), botID)
	if err != nil {
		log.Error().Err(err).Str("botId", botID).Msg("failed to get status")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, overview)
}

// GET /v1/bots/{botID}/qr
//
// Default behavior launches a connection attempt (no-op if one is in
// flight) and reports the current QR. poll=true skips the trigger for
// cheap repeated checks; forcereset=true discards the session and
// starts a fresh pairing cycle.
func (h *BotHandler) GetQR(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	ctx := r.Context()

	forceReset := r.URL.Query().Get("forcereset") == "true"
	pollOnly := r.URL.Query().Get("poll") == "true"

	if forceReset {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventForcedReset, BotID: botID})
		h.manager.Reset(ctx, botID)
	}

	if !pollOnly {
		h.manager.Initialize(ctx, botID)
	}

	overview, err := h.statusService.Overview(ctx, botID)
	if err != nil {
		log.Error().Err(err).Str("botId", botID).Msg("failed to get qr status")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, overview)
}

// POST /v1/bots/{botID}/reset
func (h *BotHandler) Reset(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	audit.LogFromRequest(r, audit.Event{Type: audit.EventForcedReset, BotID: botID})
	h.manager.Reset(r.Context(), botID)

	writeJSON(w, http.StatusOK, map[string]any{
		"reset": true,
	})
}

// POST /v1/bots/{botID}/verify
//
// Forces a protocol-level liveness probe, bypassing the cached status.
func (h *BotHandler) Verify(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	alive := h.manager.VerifyActive(r.Context(), botID)

	writeJSON(w, http.StatusOK, map[string]any{
		"alive": alive,
	})
}

// POST /v1/bots/{botID}/session/export
func (h *BotHandler) ExportSession(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	caller := middleware.GetCaller(r.Context())
	if caller == nil || !caller.Worker {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
		return
	}

	result, err := h.exportService.IssueToken(r.Context(), botID)
	if err != nil {
		log.Error().Err(err).Str("botId", botID).Msg("failed to issue session token")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventTokenIssued, BotID: botID})
	writeJSON(w, http.StatusOK, result)
}

// GET /v1/bots/{botID}/session
func (h *BotHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	ctx := r.Context()

	caller := middleware.GetCaller(ctx)
	if caller == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var blob []byte
	var err error
	switch {
	case caller.Worker:
		blob, err = h.exportService.Fetch(ctx, botID)
	default:
		blob, err = h.exportService.Redeem(botID, bearerToken(r))
	}
	if err != nil {
		log.Warn().Err(err).Str("botId", botID).Msg("session fetch rejected")
		audit.LogFromRequest(r, audit.Event{Type: audit.EventTokenRejected, BotID: botID})
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionExported, BotID: botID})
	writeJSON(w, http.StatusOK, map[string]string{
		"botId":   botID,
		"session": base64.StdEncoding.EncodeToString(blob),
	})
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
