package waclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/bot-gateway-go/internal/connection"
	redisclient "github.com/zapdesk/bot-gateway-go/internal/redis"
)

func newBridgeEnv(t *testing.T) (*Factory, *redisclient.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewFactory(client), client
}

// startWorker emulates the external protocol worker: it answers every
// command on the bot's command channel with the events handle returns.
func startWorker(t *testing.T, client *redisclient.Client, botID string, handle func(cmd bridgeCommand) []bridgeEvent) {
	t.Helper()

	ctx := context.Background()
	pubsub := client.Subscribe(ctx, redisclient.BridgeCommandChannel(botID))
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { pubsub.Close() })

	go func() {
		for msg := range pubsub.Channel() {
			var cmd bridgeCommand
			if json.Unmarshal([]byte(msg.Payload), &cmd) != nil {
				continue
			}
			for _, ev := range handle(cmd) {
				data, _ := json.Marshal(ev)
				client.Publish(ctx, redisclient.BridgeEventChannel(botID), data)
			}
		}
	}()
}

func publishEvent(t *testing.T, client *redisclient.Client, botID string, ev bridgeEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), redisclient.BridgeEventChannel(botID), data).Err())
}

func TestBridgeClient(t *testing.T) {
	ctx := context.Background()

	t.Run("pairing request returns the QR payload", func(t *testing.T) {
		factory, redisClient := newBridgeEnv(t)
		startWorker(t, redisClient, "bot-1", func(cmd bridgeCommand) []bridgeEvent {
			return []bridgeEvent{{Op: opQR, ID: cmd.ID, QR: "qr-payload-1"}}
		})

		client, err := factory.New("bot-1", connection.Events{})
		require.NoError(t, err)
		defer client.Disconnect()

		qr, err := client.StartPairing(ctx)
		require.NoError(t, err)
		assert.Equal(t, "qr-payload-1", qr)
	})

	t.Run("restore round trip", func(t *testing.T) {
		factory, redisClient := newBridgeEnv(t)
		sessions := make(chan []byte, 1)
		startWorker(t, redisClient, "bot-1", func(cmd bridgeCommand) []bridgeEvent {
			sessions <- cmd.Session
			return []bridgeEvent{{Op: opRestored, ID: cmd.ID}}
		})

		client, err := factory.New("bot-1", connection.Events{})
		require.NoError(t, err)
		defer client.Disconnect()

		require.NoError(t, client.Restore(ctx, []byte("session-data")))
		assert.Equal(t, []byte("session-data"), <-sessions)
	})

	t.Run("worker error surfaces to the caller", func(t *testing.T) {
		factory, redisClient := newBridgeEnv(t)
		startWorker(t, redisClient, "bot-1", func(cmd bridgeCommand) []bridgeEvent {
			return []bridgeEvent{{Op: opRestored, ID: cmd.ID, Error: "credentials rejected"}}
		})

		client, err := factory.New("bot-1", connection.Events{})
		require.NoError(t, err)
		defer client.Disconnect()

		err = client.Restore(ctx, []byte("stale"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "credentials rejected")
	})

	t.Run("unsolicited paired event reaches the callback", func(t *testing.T) {
		factory, redisClient := newBridgeEnv(t)

		paired := make(chan []byte, 1)
		client, err := factory.New("bot-1", connection.Events{
			OnPaired: func(blob []byte) { paired <- blob },
		})
		require.NoError(t, err)
		defer client.Disconnect()

		publishEvent(t, redisClient, "bot-1", bridgeEvent{Op: opPaired, Session: []byte("fresh-creds")})

		select {
		case blob := <-paired:
			assert.Equal(t, []byte("fresh-creds"), blob)
		case <-time.After(time.Second):
			t.Fatal("paired callback never fired")
		}
	})

	t.Run("blocked callback does not stall correlated replies", func(t *testing.T) {
		factory, redisClient := newBridgeEnv(t)
		startWorker(t, redisClient, "bot-1", func(cmd bridgeCommand) []bridgeEvent {
			if cmd.Op == opPing {
				return []bridgeEvent{{Op: opPong, ID: cmd.ID}}
			}
			return nil
		})

		entered := make(chan struct{})
		release := make(chan struct{})
		client, err := factory.New("bot-1", connection.Events{
			OnPaired: func([]byte) {
				close(entered)
				<-release
			},
		})
		require.NoError(t, err)
		defer close(release)
		defer client.Disconnect()

		publishEvent(t, redisClient, "bot-1", bridgeEvent{Op: opPaired, Session: []byte("blob")})
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("paired callback never started")
		}

		// With the callback still blocked, a request/reply must complete.
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		assert.NoError(t, client.Ping(pingCtx))
	})
}
