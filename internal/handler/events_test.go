package handler

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zapdesk/bot-gateway-go/internal/sse"
)

func TestEventsHandler_sendEvent(t *testing.T) {
	t.Run("formats SSE event correctly", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()
		flusher := rec // httptest.ResponseRecorder implements http.Flusher

		data := map[string]any{
			"status":    "pairing",
			"connected": false,
		}

		handler.sendEvent(rec, flusher, "status", data)

		body := rec.Body.String()
		assert.Contains(t, body, "event: status\n")
		assert.Contains(t, body, "data: ")
		assert.Contains(t, body, "pairing")
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	t.Run("writes event and data lines", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()
		flusher := rec

		event := sse.Event{
			Type: sse.EventQR,
			Data: json.RawMessage(`{"qr": "qr-payload-1"}`),
		}

		err := handler.sendRawEvent(rec, flusher, event)

		assert.NoError(t, err)
		body := rec.Body.String()
		assert.Contains(t, body, "event: qr\n")
		assert.Contains(t, body, `data: {"qr": "qr-payload-1"}`)
		assert.Contains(t, body, "\n\n")
	})
}
