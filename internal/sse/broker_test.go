package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/zapdesk/bot-gateway-go/internal/redis"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	broker := NewBroker(client)
	t.Cleanup(broker.Close)
	return broker
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func qrEvent(code string) Event {
	return Event{Type: EventQR, Data: json.RawMessage(`{"qr": "` + code + `"}`)}
}

func TestBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers published events to a subscriber", func(t *testing.T) {
		broker := newTestBroker(t)

		client := broker.Subscribe("bot-1")
		defer broker.Unsubscribe(client)

		require.NoError(t, broker.Publish(ctx, "bot-1", qrEvent("abc")))

		ev := recvEvent(t, client)
		assert.Equal(t, EventQR, ev.Type)
		assert.Contains(t, string(ev.Data), "abc")
	})

	t.Run("fans one event out to all subscribers of a bot", func(t *testing.T) {
		broker := newTestBroker(t)

		c1 := broker.Subscribe("bot-1")
		c2 := broker.Subscribe("bot-1")
		defer broker.Unsubscribe(c1)
		defer broker.Unsubscribe(c2)
		assert.Equal(t, 2, broker.ClientCount("bot-1"))

		require.NoError(t, broker.Publish(ctx, "bot-1", qrEvent("abc")))

		recvEvent(t, c1)
		recvEvent(t, c2)
	})

	t.Run("does not cross bot boundaries", func(t *testing.T) {
		broker := newTestBroker(t)

		c1 := broker.Subscribe("bot-1")
		c2 := broker.Subscribe("bot-2")
		defer broker.Unsubscribe(c1)
		defer broker.Unsubscribe(c2)

		require.NoError(t, broker.Publish(ctx, "bot-1", qrEvent("abc")))

		recvEvent(t, c1)
		select {
		case <-c2.Events:
			t.Fatal("event leaked to another bot's subscriber")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("subscriber churn does not duplicate delivery", func(t *testing.T) {
		broker := newTestBroker(t)

		// Subscribe/unsubscribe cycles must not accumulate redis
		// subscriptions for the bot's channel.
		first := broker.Subscribe("bot-1")
		broker.Unsubscribe(first)
		second := broker.Subscribe("bot-1")
		defer broker.Unsubscribe(second)

		require.NoError(t, broker.Publish(ctx, "bot-1", qrEvent("abc")))

		recvEvent(t, second)
		select {
		case <-second.Events:
			t.Fatal("event delivered more than once")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("last unsubscribe closes the redis subscription", func(t *testing.T) {
		broker := newTestBroker(t)

		c1 := broker.Subscribe("bot-1")
		c2 := broker.Subscribe("bot-1")

		broker.Unsubscribe(c1)
		broker.mu.RLock()
		_, open := broker.subs["bot-1"]
		broker.mu.RUnlock()
		assert.True(t, open)

		broker.Unsubscribe(c2)
		broker.mu.RLock()
		_, open = broker.subs["bot-1"]
		broker.mu.RUnlock()
		assert.False(t, open)
		assert.Equal(t, 0, broker.ClientCount("bot-1"))
	})
}
