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

// EventChannel is the pub/sub channel carrying channel events for one actor.
func EventChannel(actorID string) string {
	return fmt.Sprintf("channel-events:%s", actorID)
}

// RateLimitKey is the sorted-set key of an actor's request window.
func RateLimitKey(actorID string) string {
	return fmt.Sprintf("ratelimit:actor:%s", actorID)
}
