package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/zapdesk/bot-gateway-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

// Event types published by the connection manager.
const (
	EventQR           = "qr"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	BotID  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans connection lifecycle events out to SSE subscribers.
// Events travel through Redis pubsub so a dashboard can subscribe on
// any process that shares the Redis instance. One Redis subscription
// exists per bot with live clients; it is closed when the last client
// for that bot unsubscribes.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // botID -> set of clients
	subs    map[string]*redis.PubSub    // botID -> redis subscription
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]*redis.PubSub),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(botID string) *Client {
	client := &Client{
		BotID:  botID,
		Events: make(chan Event, 100),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[botID] == nil {
		b.clients[botID] = make(map[*Client]bool)
		b.subs[botID] = b.openSubscription(botID)
	}
	b.clients[botID][client] = true
	clientCount := len(b.clients[botID])
	b.mu.Unlock()

	log.Info().
		Str("botId", botID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.BotID]
	if !ok {
		return
	}

	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.BotID)
		if pubsub := b.subs[client.BotID]; pubsub != nil {
			pubsub.Close()
			delete(b.subs, client.BotID)
		}
	}

	log.Info().
		Str("botId", client.BotID).
		Int("clientCount", len(clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, botID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.BotEventChannel(botID)
	return b.redis.Publish(ctx, channel, data).Err()
}

// openSubscription is called with b.mu held. The subscription is
// confirmed before returning so events published right after Subscribe
// are not lost.
func (b *Broker) openSubscription(botID string) *redis.PubSub {
	channel := redisclient.BotEventChannel(botID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	if _, err := pubsub.Receive(b.ctx); err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("redis pubsub subscribe failed")
	}

	log.Debug().
		Str("botId", botID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	go b.readEvents(botID, pubsub)
	return pubsub
}

// readEvents exits when the subscription is closed by Unsubscribe or
// Close, which closes the message channel.
func (b *Broker) readEvents(botID string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(botID, event)
		}
	}
}

func (b *Broker) broadcast(botID string, event Event) {
	b.mu.RLock()
	clients := b.clients[botID]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("botId", botID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pubsub := range b.subs {
		pubsub.Close()
	}
	b.subs = make(map[string]*redis.PubSub)

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) ClientCount(botID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[botID])
}
