package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
)

// DefaultRedisChannel is the pub/sub channel events are forwarded to
const DefaultRedisChannel = "colony:events"

// RedisConfig configures the Redis event sink
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Channel      string
	PingTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisSink forwards broker events to a Redis pub/sub channel so that UIs
// outside the controller process can follow cluster changes.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	logger  zerolog.Logger

	sub    Subscriber
	broker *Broker
	doneCh chan struct{}
}

// NewRedisSink connects to Redis and verifies the connection with a ping
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return newRedisSink(client, cfg), nil
}

func newRedisSink(client redis.UniversalClient, cfg RedisConfig) *RedisSink {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRedisChannel
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  log.WithComponent("events-redis"),
	}
}

// Forward publishes one event to the Redis channel
func (s *RedisSink) Forward(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Attach subscribes the sink to broker and forwards events until Close
func (s *RedisSink) Attach(broker *Broker) {
	s.broker = broker
	s.sub = broker.Subscribe()
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		for event := range s.sub {
			if err := s.Forward(context.Background(), event); err != nil {
				s.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Dropping event")
			}
		}
	}()
}

// Close detaches from the broker and closes the Redis client
func (s *RedisSink) Close() error {
	if s.broker != nil {
		s.broker.Unsubscribe(s.sub)
		<-s.doneCh
	}
	return s.client.Close()
}
