package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/strandlabs/strand/relay/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrTransportClosed = errors.New("transport closed")

// RedisTransport carries accepted events between relay processes over
// a redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "pinging redis at %s", cfg.Addr)
	}
	return &RedisTransport{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.WithGroup("redis-transport"),
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, ev *models.Event) error {
	payload, err := ev.Serialize()
	if err != nil {
		return errors.Wrap(err, "serializing event for transport")
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publishing event %s to channel %s", ev.ID, t.channel)
	}
	return nil
}

// Subscribe consumes the channel until the context is cancelled.
// Payloads that do not decode are logged and skipped; one bad publisher
// must not stall delivery for everyone else.
func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan models.Event, error) {
	sub := t.client.Subscribe(ctx, t.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Wrapf(err, "subscribing to channel %s", t.channel)
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					t.logger.Warn("Dropping undecodable transport payload", "channel", t.channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
