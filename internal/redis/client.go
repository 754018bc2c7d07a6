package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// BotEventChannel is the pubsub channel carrying connection lifecycle
// events for one bot.
func BotEventChannel(botID string) string {
	return fmt.Sprintf("botevents:%s", botID)
}

// BridgeCommandChannel carries commands from the gateway to the bridge
// worker holding the actual protocol connection for one bot.
func BridgeCommandChannel(botID string) string {
	return fmt.Sprintf("wabridge:cmd:%s", botID)
}

// BridgeEventChannel carries replies and asynchronous protocol events
// from the bridge worker back to the gateway.
func BridgeEventChannel(botID string) string {
	return fmt.Sprintf("wabridge:evt:%s", botID)
}
