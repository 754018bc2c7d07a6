// Package waclient bridges the connection manager to the external
// worker process that holds the actual messaging-protocol connection.
// Commands go out over Redis pubsub with a correlation ID; replies and
// unsolicited protocol events come back on a per-bot event channel.
package waclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/connection"
	redisclient "github.com/zapdesk/bot-gateway-go/internal/redis"
)

const defaultRequestTimeout = 30 * time.Second

// Bridge message ops.
const (
	opRestore    = "restore"
	opRestored   = "restored"
	opPair       = "pair"
	opQR         = "qr"
	opPaired     = "paired"
	opPing       = "ping"
	opPong       = "pong"
	opDisconnect = "disconnect"
	opDropped    = "dropped"
)

type bridgeCommand struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Session []byte `json:"session,omitempty"`
}

type bridgeEvent struct {
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	QR      string `json:"qr,omitempty"`
	Session []byte `json:"session,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Factory builds bridge-backed protocol clients.
type Factory struct {
	redis   *redisclient.Client
	timeout time.Duration
}

func NewFactory(redisClient *redisclient.Client) *Factory {
	return &Factory{
		redis:   redisClient,
		timeout: defaultRequestTimeout,
	}
}

func (f *Factory) New(botID string, events connection.Events) (connection.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	pubsub := f.redis.Subscribe(ctx, redisclient.BridgeEventChannel(botID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe bridge events: %w", err)
	}

	c := &bridgeClient{
		botID:   botID,
		redis:   f.redis,
		events:  events,
		timeout: f.timeout,
		pubsub:  pubsub,
		pending: make(map[string]chan bridgeEvent),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

type bridgeClient struct {
	botID   string
	redis   *redisclient.Client
	events  connection.Events
	timeout time.Duration
	pubsub  *redis.PubSub

	mu      sync.Mutex
	pending map[string]chan bridgeEvent

	done      chan struct{}
	closeOnce sync.Once
}

func (c *bridgeClient) Restore(ctx context.Context, sessionBlob []byte) error {
	reply, err := c.request(ctx, bridgeCommand{Op: opRestore, Session: sessionBlob})
	if err != nil {
		return err
	}
	if reply.Op != opRestored {
		return fmt.Errorf("unexpected bridge reply %q to restore", reply.Op)
	}
	return nil
}

func (c *bridgeClient) StartPairing(ctx context.Context) (string, error) {
	reply, err := c.request(ctx, bridgeCommand{Op: opPair})
	if err != nil {
		return "", err
	}
	if reply.Op != opQR || reply.QR == "" {
		return "", fmt.Errorf("unexpected bridge reply %q to pair", reply.Op)
	}
	return reply.QR, nil
}

func (c *bridgeClient) Ping(ctx context.Context) error {
	reply, err := c.request(ctx, bridgeCommand{Op: opPing})
	if err != nil {
		return err
	}
	if reply.Op != opPong {
		return fmt.Errorf("unexpected bridge reply %q to ping", reply.Op)
	}
	return nil
}

func (c *bridgeClient) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := bridgeCommand{Op: opDisconnect, ID: uuid.NewString()}
	if err := c.send(ctx, cmd); err != nil {
		log.Warn().Err(err).Str("botId", c.botID).Msg("bridge disconnect command failed")
	}

	c.closeOnce.Do(func() {
		close(c.done)
		c.pubsub.Close()
	})
}

// request publishes a command and blocks until the correlated reply
// arrives, the context expires, or the client is torn down.
func (c *bridgeClient) request(ctx context.Context, cmd bridgeCommand) (bridgeEvent, error) {
	cmd.ID = uuid.NewString()

	replyCh := make(chan bridgeEvent, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.send(ctx, cmd); err != nil {
		return bridgeEvent{}, err
	}

	select {
	case <-ctx.Done():
		return bridgeEvent{}, fmt.Errorf("bridge %s: %w", cmd.Op, ctx.Err())
	case <-c.done:
		return bridgeEvent{}, errors.New("bridge client closed")
	case reply := <-replyCh:
		if reply.Error != "" {
			return bridgeEvent{}, fmt.Errorf("bridge %s: %s", cmd.Op, reply.Error)
		}
		return reply, nil
	}
}

func (c *bridgeClient) send(ctx context.Context, cmd bridgeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	channel := redisclient.BridgeCommandChannel(c.botID)
	return c.redis.Publish(ctx, channel, data).Err()
}

func (c *bridgeClient) readLoop() {
	ch := c.pubsub.Channel()

	for {
		select {
		case <-c.done:
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event bridgeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("botId", c.botID).Msg("failed to unmarshal bridge event")
				continue
			}

			c.dispatch(event)
		}
	}
}

func (c *bridgeClient) dispatch(event bridgeEvent) {
	if event.ID != "" {
		c.mu.Lock()
		replyCh, ok := c.pending[event.ID]
		c.mu.Unlock()
		if ok {
			select {
			case replyCh <- event:
			default:
			}
			return
		}
	}

	// Callbacks run off the read loop: they take the manager's handle
	// mutex, which an in-flight request may hold while waiting for its
	// correlated reply.
	switch event.Op {
	case opPaired:
		if c.events.OnPaired != nil {
			go c.events.OnPaired(event.Session)
		}
	case opDropped:
		if c.events.OnDisconnected != nil {
			reason := event.Reason
			if reason == "" {
				reason = "connection dropped"
			}
			go c.events.OnDisconnected(errors.New(reason))
		}
	default:
		log.Debug().
			Str("botId", c.botID).
			Str("op", event.Op).
			Msg("ignoring unsolicited bridge event")
	}
}
