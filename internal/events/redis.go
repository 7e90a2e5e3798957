package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisChannelSeparator = ":"
	redisClientName       = "walletd"
)

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher broadcasts events to per-user pub/sub channels ("{prefix}:{userId}")
// so realtime gateways can push balance changes to connected clients.
type RedisPublisher struct {
	client redisPublishClient
	prefix string
	logger *zap.Logger
}

// ConnectRedis opens a client from a redis:// URL and verifies it with PING.
func ConnectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	options.DialTimeout = time.Second
	options.ReadTimeout = 400 * time.Millisecond
	options.WriteTimeout = 400 * time.Millisecond
	options.PoolTimeout = 750 * time.Millisecond
	options.ConnMaxIdleTime = 90 * time.Second
	options.OnConnect = func(ctx context.Context, connection *redis.Conn) error {
		_ = connection.ClientSetName(ctx, redisClientName).Err()
		return nil
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisPublisher wires a publisher over an existing client.
func NewRedisPublisher(client redisPublishClient, prefix string, logger *zap.Logger) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), redisChannelSeparator)
	if prefix == "" {
		return nil, errors.New("redis channel prefix is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}, nil
}

// Publish implements Publisher. Every user named by the event receives one message.
func (publisher *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis marshal %s: %w", event.Name, err)
	}
	var publishErrors []error
	for _, userID := range event.UserIDs {
		channel := publisher.prefix + redisChannelSeparator + userID
		receivers, err := publisher.client.Publish(ctx, channel, body).Result()
		if err != nil {
			publishErrors = append(publishErrors, fmt.Errorf("redis publish %s: %w", channel, err))
			continue
		}
		publisher.logger.Debug("realtime event broadcast", zap.String("event", event.Name), zap.String("channel", channel), zap.Int64("receivers", receivers))
	}
	return errors.Join(publishErrors...)
}
