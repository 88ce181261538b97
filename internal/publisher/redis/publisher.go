// Package redis publishes status events on a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Publisher writes JSON payloads to a single channel.
type Publisher struct {
	client  redis.Cmdable
	channel string
}

var _ scrape.Publisher = (*Publisher)(nil)

// New returns a Publisher bound to channel.
func New(client redis.Cmdable, channel string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	return &Publisher{client: client, channel: channel}, nil
}

// Publish sends the payload and returns an id naming the channel and the
// number of subscribers that received it. The topic is carried in the
// envelope because a channel has no attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(envelope{Event: topic, Data: payload})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return fmt.Sprintf("%s:%d", p.channel, receivers), nil
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}
