package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/service"
	"github.com/zapdesk/bot-gateway-go/internal/sse"
)

// EventsHandler streams connection lifecycle events for one bot over
// SSE. Polling GetStatus remains the contract; this just saves
// dashboards the round trips.
type EventsHandler struct {
	broker        *sse.Broker
	statusService *service.StatusService
}

func NewEventsHandler(broker *sse.Broker, statusService *service.StatusService) *EventsHandler {
	return &EventsHandler{
		broker:        broker,
		statusService: statusService,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(botID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("botId", botID).Msg("sse connection established")

	ctx := r.Context()

	// Current state first so subscribers do not start blind.
	if overview, err := h.statusService.Overview(ctx, botID); err == nil {
		h.sendEvent(w, flusher, "status", overview)
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("botId", botID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("botId", botID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("botId", botID).Msg("sse heartbeat failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	flusher.Flush()
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
