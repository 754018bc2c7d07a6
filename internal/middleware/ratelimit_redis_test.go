package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRateLimitedRouter(t *testing.T, limit int) chi.Router {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mw := NewRedisRateLimitMiddleware(client, limit)

	r := chi.NewRouter()
	r.Route("/v1/bots/{botID}", func(r chi.Router) {
		r.Use(mw.Handler)
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

func TestRedisRateLimitMiddleware(t *testing.T) {
	t.Run("allows requests under the limit", func(t *testing.T) {
		r := newRateLimitedRouter(t, 3)

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest("GET", "/v1/bots/bot-1/status", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		}
	})

	t.Run("rejects and audits requests over the limit", func(t *testing.T) {
		r := newRateLimitedRouter(t, 2)

		var buf bytes.Buffer
		orig := log.Logger
		log.Logger = zerolog.New(&buf)
		t.Cleanup(func() { log.Logger = orig })

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("GET", "/v1/bots/bot-1/status", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)
		}

		req := httptest.NewRequest("GET", "/v1/bots/bot-1/status", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.Contains(t, buf.String(), "rate_limit_exceeded")
		assert.Contains(t, buf.String(), "bot-1")
	})

	t.Run("limits are keyed per bot", func(t *testing.T) {
		r := newRateLimitedRouter(t, 1)

		req := httptest.NewRequest("GET", "/v1/bots/bot-1/status", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		// bot-1 is exhausted, bot-2 is not.
		req = httptest.NewRequest("GET", "/v1/bots/bot-1/status", nil)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)

		req = httptest.NewRequest("GET", "/v1/bots/bot-2/status", nil)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
